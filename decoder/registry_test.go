package decoder

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/iris/errors"
	"github.com/c360/iris/metric"
)

type panicDecoder struct{}

func (panicDecoder) Decode([]byte) (Payload, error) { panic("index out of range") }
func (panicDecoder) Description() string            { return "panics" }

type failingDecoder struct{}

func (failingDecoder) Decode([]byte) (Payload, error) { return nil, errors.ErrPayloadDecode }
func (failingDecoder) Description() string            { return "fails" }

func newTestRegistry(t *testing.T) (*Registry, *bytes.Buffer, *metric.Metrics) {
	t.Helper()
	var logs bytes.Buffer
	m := metric.NewMetrics()
	r := NewDefaultRegistry(
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithMetrics(m),
	)
	return r, &logs, m
}

func TestRegistry_Defaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.True(t, r.Has(EventGDTLoaded))
	assert.True(t, r.Has(EventTSSLoaded))
	assert.False(t, r.Has(0x0001))

	desc, ok := r.Describe(EventGDTLoaded)
	require.True(t, ok)
	assert.Equal(t, "Global Descriptor Table decoder", desc)

	_, ok = r.Describe(0x9999)
	assert.False(t, ok)
}

func TestRegistry_Decode(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	p, ok := r.Decode(EventGDTLoaded, bootGDT(0x1000))
	require.True(t, ok)
	assert.Equal(t, KindGDT, p.Kind())

	p, ok = r.Decode(EventTSSLoaded, tssPayload(1, nil, 0))
	require.True(t, ok)
	assert.Equal(t, KindTSS, p.Kind())

	_, ok = r.Decode(0x0100, []byte{1, 2, 3})
	assert.False(t, ok)
	assert.Equal(t, uint64(0), r.Failures())
}

func TestRegistry_DecodeFailureIsContained(t *testing.T) {
	r, logs, m := newTestRegistry(t)

	p, ok := r.Decode(EventGDTLoaded, make([]byte, 13))
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.Equal(t, uint64(1), r.Failures())
	assert.Contains(t, logs.String(), "Payload decode failed")
	assert.Contains(t, logs.String(), "event_type=0x0101")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadDecodeFailures.WithLabelValues("0x0101")))
}

func TestRegistry_PanickingDecoderIsRecovered(t *testing.T) {
	r, logs, _ := newTestRegistry(t)
	r.Register(0x0200, panicDecoder{})

	var (
		p  Payload
		ok bool
	)
	require.NotPanics(t, func() {
		p, ok = r.Decode(0x0200, []byte{1})
	})
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.Contains(t, logs.String(), "index out of range")
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register(EventGDTLoaded, failingDecoder{})

	_, ok := r.Decode(EventGDTLoaded, bootGDT(0))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.Failures())
}

func TestRegistry_Resolve(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.Nil(t, r.Resolve(EventGDTLoaded, nil))

	raw := r.Resolve(0x0100, []byte{0xAA})
	require.IsType(t, &RawPayload{}, raw)
	assert.Equal(t, []byte{0xAA}, raw.(*RawPayload).Bytes)

	// Failed decode falls back to raw bytes
	fallback := r.Resolve(EventGDTLoaded, []byte{1, 2, 3})
	assert.Equal(t, KindRaw, fallback.Kind())

	decoded := r.Resolve(EventTSSLoaded, tssPayload(0, nil, 0))
	assert.Equal(t, KindTSS, decoded.Kind())
}

func TestRegistry_InstancesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewDefaultRegistry()
	assert.False(t, a.Has(EventGDTLoaded))
	assert.True(t, b.Has(EventGDTLoaded))
}
