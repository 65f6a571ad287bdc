// Package nats republishes decoded kernel events onto a NATS bus, one
// subject per event type.
package nats

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/iris/errors"
	"github.com/c360/iris/message"
	"github.com/c360/iris/metric"
)

// Config holds settings for the NATS sink.
type Config struct {
	Enabled        bool          `json:"enabled"         env:"ENABLED"`
	URL            string        `json:"url"             env:"URL"`
	SubjectPrefix  string        `json:"subject_prefix"  env:"SUBJECT_PREFIX"`
	Format         string        `json:"format"          env:"FORMAT"`
	PublishTimeout time.Duration `json:"publish_timeout" env:"PUBLISH_TIMEOUT"`

	// Connection settings handed to natsclient.
	Username         string        `json:"username,omitempty" env:"USERNAME"`
	Password         string        `json:"password,omitempty" env:"PASSWORD"`
	Token            string        `json:"token,omitempty"    env:"TOKEN"`
	ConnectTimeout   time.Duration `json:"connect_timeout"    env:"CONNECT_TIMEOUT"`
	MaxReconnects    int           `json:"max_reconnects"     env:"MAX_RECONNECTS"`
	ReconnectWait    time.Duration `json:"reconnect_wait"     env:"RECONNECT_WAIT"`
	PingInterval     time.Duration `json:"ping_interval"      env:"PING_INTERVAL"`
	DrainTimeout     time.Duration `json:"drain_timeout"      env:"DRAIN_TIMEOUT"`
	CircuitThreshold int32         `json:"circuit_threshold"  env:"CIRCUIT_THRESHOLD"`
	CircuitMaxOpen   time.Duration `json:"circuit_max_open"   env:"CIRCUIT_MAX_OPEN"`
}

// DefaultConfig returns the sink defaults. The sink is disabled unless
// explicitly enabled.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		SubjectPrefix:  "iris.events",
		Format:         string(message.FormatJSON),
		PublishTimeout: time.Second,

		ConnectTimeout:   5 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		PingInterval:     30 * time.Second,
		DrainTimeout:     10 * time.Second,
		CircuitThreshold: 5,
		CircuitMaxOpen:   time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "url is required")
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") || strings.HasSuffix(c.SubjectPrefix, ".") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "subject prefix check")
	}
	if _, err := message.ParseFormat(c.Format); err != nil {
		return errors.WrapInvalid(err, "nats.Config", "Validate", "format check")
	}
	if c.PublishTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "publish timeout check")
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "username and password go together")
	}
	if c.ConnectTimeout <= 0 || c.ReconnectWait <= 0 || c.PingInterval <= 0 || c.DrainTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "connection timing check")
	}
	if c.MaxReconnects < -1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "max reconnects check")
	}
	if c.CircuitThreshold < 1 || c.CircuitMaxOpen < time.Second {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats.Config", "Validate", "circuit breaker check")
	}
	return nil
}

// Publisher is the subset of natsclient.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Metrics holds Prometheus metrics for the sink
type Metrics struct {
	published prometheus.Counter
	failures  prometheus.Counter
	bytes     prometheus.Counter
	linkUp    prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "published_total",
			Help:      "Events published to NATS",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "failures_total",
			Help:      "Events that could not be published",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "bytes_total",
			Help:      "Encoded bytes published to NATS",
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "link_up",
			Help:      "1 while the NATS connection is up",
		}),
	}

	_ = registry.RegisterCounter("nats_sink", "published", m.published)
	_ = registry.RegisterCounter("nats_sink", "failures", m.failures)
	_ = registry.RegisterCounter("nats_sink", "bytes", m.bytes)
	_ = registry.RegisterGauge("nats_sink", "link_up", m.linkUp)
	return m
}

// SinkDeps holds runtime dependencies for the sink.
type SinkDeps struct {
	Config          Config
	Publisher       Publisher
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Sink encodes events and publishes them to <prefix>.<event type>, for
// example iris.events.0x0101. Publishing is best effort: failures are
// counted and logged at a bounded rate, never propagated into the
// pipeline.
type Sink struct {
	prefix    string
	format    message.Format
	timeout   time.Duration
	publisher Publisher
	logger    *slog.Logger
	metrics   *Metrics
	limiter   *rate.Limiter

	published atomic.Uint64
	failures  atomic.Uint64
	linkUp    atomic.Bool
}

// NewSink creates a sink over deps.Publisher.
func NewSink(deps SinkDeps) (*Sink, error) {
	if deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "NewSink", "publisher check")
	}

	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	format, err := message.ParseFormat(cfg.Format)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Sink", "NewSink", "parse format")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{
		prefix:    cfg.SubjectPrefix,
		format:    format,
		timeout:   cfg.PublishTimeout,
		publisher: deps.Publisher,
		logger:    logger.With("component", "nats-sink"),
		metrics:   newMetrics(deps.MetricsRegistry),
		limiter:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// Subject returns the subject events of eventType are published on.
func (s *Sink) Subject(eventType uint16) string {
	return s.prefix + "." + metric.EventTypeLabel(eventType)
}

// Publish encodes e and publishes it. The returned error is informational;
// callers may ignore it.
func (s *Sink) Publish(ctx context.Context, e *message.Event) error {
	data, err := message.Encode(s.format, e)
	if err != nil {
		s.recordFailure(err)
		return errors.WrapInvalid(err, "Sink", "Publish", "encode event")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, s.Subject(e.EventType), data); err != nil {
		s.recordFailure(err)
		return err
	}

	s.published.Add(1)
	if s.metrics != nil {
		s.metrics.published.Inc()
		s.metrics.bytes.Add(float64(len(data)))
	}
	return nil
}

func (s *Sink) recordFailure(err error) {
	n := s.failures.Add(1)
	if s.metrics != nil {
		s.metrics.failures.Inc()
	}
	if s.limiter.Allow() {
		s.logger.Warn("NATS publish failed", "error", err, "failures", n)
	}
}

// SetLinkUp records a change of the bus connection. Publishes made while
// the link is down fail fast and are counted as failures.
func (s *Sink) SetLinkUp(up bool) {
	if s.linkUp.Swap(up) == up {
		return
	}
	if s.metrics != nil {
		if up {
			s.metrics.linkUp.Set(1)
		} else {
			s.metrics.linkUp.Set(0)
		}
	}
	if up {
		s.logger.Info("NATS link up, publishing events", "prefix", s.prefix)
	} else {
		s.logger.Warn("NATS link down, events are not reaching the bus", "failures", s.failures.Load())
	}
}

// LinkUp reports the last state passed to SetLinkUp.
func (s *Sink) LinkUp() bool { return s.linkUp.Load() }

// Published returns the number of events published.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Failures returns the number of events that could not be published.
func (s *Sink) Failures() uint64 { return s.failures.Load() }
