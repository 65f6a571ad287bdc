package nats

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/iris/errors"
	"github.com/c360/iris/message"
	"github.com/c360/iris/metric"
)

type published struct {
	subject string
	data    []byte
	dl      bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	_, hasDeadline := ctx.Deadline()
	p.msgs = append(p.msgs, published{subject, data, hasDeadline})
	return nil
}

func newTestSink(t *testing.T, cfg Config, pub Publisher) (*Sink, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	s, err := NewSink(SinkDeps{
		Config:          cfg,
		Publisher:       pub,
		MetricsRegistry: metric.NewMetricsRegistry(),
		Logger:          slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)
	return s, &logs
}

func TestSink_PublishesPerEventType(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := newTestSink(t, DefaultConfig(), pub)

	events := []*message.Event{
		{Timestamp: 1, EventType: 0x0001, EventName: "IRIS_INIT"},
		{Timestamp: 18446744073709551615, EventType: 0x0101, CPUID: 2, Payload: []byte{0xAA}},
	}
	for _, e := range events {
		require.NoError(t, s.Publish(context.Background(), e))
	}

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "iris.events.0x0001", pub.msgs[0].subject)
	assert.Equal(t, "iris.events.0x0101", pub.msgs[1].subject)
	assert.True(t, pub.msgs[1].dl)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &got))
	assert.Equal(t, "18446744073709551615", got["timestamp"])
	assert.Equal(t, float64(2), got["cpuId"])
	assert.Equal(t, "qg==", got["payload"])

	assert.Equal(t, uint64(2), s.Published())
	assert.Equal(t, uint64(0), s.Failures())
}

func TestSink_CBOR(t *testing.T) {
	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.Format = "cbor"
	cfg.SubjectPrefix = "kernel.dev"
	s, _ := newTestSink(t, cfg, pub)

	require.NoError(t, s.Publish(context.Background(), &message.Event{Timestamp: 7, EventType: 0x0100}))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "kernel.dev.0x0100", pub.msgs[0].subject)

	var e message.Event
	require.NoError(t, message.Decode(message.FormatCBOR, pub.msgs[0].data, &e))
	assert.Equal(t, uint64(7), e.Timestamp)
	assert.Equal(t, uint16(0x0100), e.EventType)
}

func TestSink_FailuresAreCountedAndRateLimited(t *testing.T) {
	pub := &fakePublisher{err: errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish")}
	s, logs := newTestSink(t, DefaultConfig(), pub)

	for i := 0; i < 5; i++ {
		err := s.Publish(context.Background(), &message.Event{EventType: 0x0100})
		assert.ErrorIs(t, err, errors.ErrNotConnected)
	}

	assert.Equal(t, uint64(5), s.Failures())
	assert.Equal(t, uint64(0), s.Published())
	assert.Equal(t, 1, strings.Count(logs.String(), "NATS publish failed"))
}

func TestSink_LinkUp(t *testing.T) {
	s, logs := newTestSink(t, DefaultConfig(), &fakePublisher{})
	assert.False(t, s.LinkUp())

	s.SetLinkUp(true)
	s.SetLinkUp(true)
	assert.True(t, s.LinkUp())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.linkUp))
	assert.Equal(t, 1, strings.Count(logs.String(), "NATS link up"))

	s.SetLinkUp(false)
	assert.False(t, s.LinkUp())
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.linkUp))
	assert.Contains(t, logs.String(), "NATS link down")
}

func TestNewSink_Validation(t *testing.T) {
	_, err := NewSink(SinkDeps{Config: DefaultConfig()})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := DefaultConfig()
	cfg.Format = "xml"
	_, err = NewSink(SinkDeps{Config: cfg, Publisher: &fakePublisher{}})
	assert.True(t, errors.IsInvalid(err))

	// Zero config falls back to defaults
	s, err := NewSink(SinkDeps{Publisher: &fakePublisher{}})
	require.NoError(t, err)
	assert.Equal(t, "iris.events.0x0102", s.Subject(0x0102))
	assert.Equal(t, time.Second, s.timeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.URL = "" }, false},
		{"enabled defaults", func(c *Config) { c.Enabled = true }, false},
		{"missing url", func(c *Config) { c.Enabled = true; c.URL = "" }, true},
		{"wildcard prefix", func(c *Config) { c.Enabled = true; c.SubjectPrefix = "iris.*" }, true},
		{"trailing dot", func(c *Config) { c.Enabled = true; c.SubjectPrefix = "iris." }, true},
		{"bad format", func(c *Config) { c.Enabled = true; c.Format = "xml" }, true},
		{"zero timeout", func(c *Config) { c.Enabled = true; c.PublishTimeout = 0 }, true},
		{"credentials", func(c *Config) { c.Enabled = true; c.Username = "iris"; c.Password = "pw" }, false},
		{"user without password", func(c *Config) { c.Enabled = true; c.Username = "iris" }, true},
		{"zero reconnect wait", func(c *Config) { c.Enabled = true; c.ReconnectWait = 0 }, true},
		{"zero drain timeout", func(c *Config) { c.Enabled = true; c.DrainTimeout = 0 }, true},
		{"max reconnects below -1", func(c *Config) { c.Enabled = true; c.MaxReconnects = -2 }, true},
		{"circuit threshold", func(c *Config) { c.Enabled = true; c.CircuitThreshold = 0 }, true},
		{"short circuit open", func(c *Config) { c.Enabled = true; c.CircuitMaxOpen = time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
