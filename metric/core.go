package metric

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every IRIS metric.
const Namespace = "iris"

// Metrics contains the pipeline metrics shared by the decode path.
// Component-specific metrics (transport, distributor, NATS sink) are
// registered by those components through MetricsRegistry.
type Metrics struct {
	FramesDecoded         prometheus.Counter
	CorruptionEvents      *prometheus.CounterVec
	CorruptedBytes        prometheus.Counter
	HeaderRejects         prometheus.Counter
	EventsReceived        *prometheus.CounterVec
	PayloadDecodeFailures *prometheus.CounterVec
	SessionActive         prometheus.Gauge
	PipelineDuration      prometheus.Histogram
}

// NewMetrics creates the pipeline metrics. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "protocol",
			Name:      "frames_decoded_total",
			Help:      "Complete frames extracted from the ingest stream",
		}),
		CorruptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "protocol",
			Name:      "corruption_events_total",
			Help:      "Resynchronizations performed by the frame decoder",
		}, []string{"reason"}),
		CorruptedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "protocol",
			Name:      "corrupted_bytes_total",
			Help:      "Bytes discarded while resynchronizing",
		}),
		HeaderRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "protocol",
			Name:      "header_rejects_total",
			Help:      "Frames dropped because they were shorter than the event header",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Events parsed from the ingest stream",
		}, []string{"event_type"}),
		PayloadDecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "decoder",
			Name:      "failures_total",
			Help:      "Payloads a registered decoder could not interpret",
		}, []string{"event_type"}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while an initialized kernel session is connected",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "pipeline_duration_seconds",
			Help:      "Time from frame extraction to handoff to the distributor",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesDecoded,
		m.CorruptionEvents,
		m.CorruptedBytes,
		m.HeaderRejects,
		m.EventsReceived,
		m.PayloadDecodeFailures,
		m.SessionActive,
		m.PipelineDuration,
	}
}

// EventTypeLabel formats an event type the way it appears in metric labels.
func EventTypeLabel(eventType uint16) string {
	return fmt.Sprintf("0x%04x", eventType)
}

// All Record helpers tolerate a nil receiver so components can run without
// a registry in tests.

// RecordFrame counts one extracted frame.
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
}

// RecordCorruption counts one resynchronization and the bytes it discarded.
func (m *Metrics) RecordCorruption(reason string, discarded int) {
	if m == nil {
		return
	}
	m.CorruptionEvents.WithLabelValues(reason).Inc()
	m.CorruptedBytes.Add(float64(discarded))
}

// RecordHeaderReject counts a frame dropped by the header parser.
func (m *Metrics) RecordHeaderReject() {
	if m == nil {
		return
	}
	m.HeaderRejects.Inc()
}

// RecordEvent counts a parsed event by type.
func (m *Metrics) RecordEvent(eventType uint16) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(EventTypeLabel(eventType)).Inc()
}

// RecordDecodeFailure counts a payload decoder failure by type.
func (m *Metrics) RecordDecodeFailure(eventType uint16) {
	if m == nil {
		return
	}
	m.PayloadDecodeFailures.WithLabelValues(EventTypeLabel(eventType)).Inc()
}

// RecordSession flips the session gauge.
func (m *Metrics) RecordSession(active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	m.SessionActive.Set(value)
}

// RecordPipelineDuration observes how long one event spent in the pipeline.
func (m *Metrics) RecordPipelineDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.Observe(d.Seconds())
}
