package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/iris/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordFrame()
	registry.CoreMetrics().RecordEvent(0x0101)

	names := gatheredNames(t, registry)
	assert.True(t, names["iris_protocol_frames_decoded_total"])
	assert.True(t, names["iris_events_received_total"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})

	require.NoError(t, registry.RegisterCounter("kernel", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})

	require.NoError(t, registry.RegisterGauge("ws", "dup_gauge", gauge))

	err := registry.RegisterGauge("ws", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under a different key conflicts inside prometheus
	err = registry.RegisterGauge("other", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "lat", Help: "test"})

	require.NoError(t, registry.RegisterHistogram("ws", "lat", hist))
	assert.True(t, registry.Unregister("ws", "lat"))
	assert.False(t, registry.Unregister("ws", "lat"))

	require.NoError(t, registry.RegisterHistogram("ws", "lat", hist))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: "race_counter", Help: "test"})
			errs <- registry.RegisterCounter("svc", "race_counter", c)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordCorruption("resynchronized", 7)
	m.RecordCorruption("resynchronized", 3)
	m.RecordHeaderReject()
	m.RecordDecodeFailure(0x0102)
	m.RecordSession(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CorruptionEvents.WithLabelValues("resynchronized")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CorruptedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeaderRejects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadDecodeFailures.WithLabelValues("0x0102")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionActive))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFrame()
		m.RecordCorruption("no marker found", 1)
		m.RecordEvent(1)
		m.RecordSession(false)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordFrame()

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "iris_protocol_frames_decoded_total 1")
}
