// Package websocket provides the IRIS distributor: a fan-out server that
// pushes every decoded kernel event to all connected observers.
package websocket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/iris/errors"
	"github.com/c360/iris/message"
	"github.com/c360/iris/metric"
	"github.com/c360/iris/pkg/buffer"
)

// Close codes used when the distributor ends a subscription.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// Config holds distributor settings.
type Config struct {
	QueueSize      int           `json:"queue_size"       env:"QUEUE_SIZE"`
	SendTimeout    time.Duration `json:"send_timeout"     env:"SEND_TIMEOUT"`
	PingInterval   time.Duration `json:"ping_interval"    env:"PING_INTERVAL"`
	ReadTimeout    time.Duration `json:"read_timeout"     env:"READ_TIMEOUT"`
	MaxMessageSize int64         `json:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

// DefaultConfig returns the distributor defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		SendTimeout:    5 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket.Config", "Validate", "queue size check")
	}
	if c.SendTimeout <= 0 || c.PingInterval <= 0 || c.ReadTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket.Config", "Validate", "timeout check")
	}
	return nil
}

// Sink is the transport behind one subscriber. The distributor calls Write
// and Ping from a single goroutine per sink.
type Sink interface {
	Format() message.Format
	Write(data []byte, deadline time.Time) error
	Ping(deadline time.Time) error
	Close(code int, reason string) error
}

// Metrics holds Prometheus metrics for the distributor
type Metrics struct {
	subscribers       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesSent      prometheus.Counter
	bytesSent         prometheus.Counter
	removals          *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
}

// newMetrics creates and registers distributor metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "distributor",
			Name:      "subscribers",
			Help:      "Currently connected subscribers",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "distributor",
			Name:      "connections_total",
			Help:      "Subscribers accepted since start",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "distributor",
			Name:      "messages_sent_total",
			Help:      "Messages written to subscribers",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "distributor",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to subscribers",
		}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "distributor",
			Name:      "removals_total",
			Help:      "Subscribers removed, by reason",
		}, []string{"reason"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "distributor",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to serialize and enqueue one broadcast",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
	}

	_ = registry.RegisterGauge("distributor", "subscribers", m.subscribers)
	_ = registry.RegisterCounter("distributor", "connections_total", m.connectionsTotal)
	_ = registry.RegisterCounter("distributor", "messages_sent", m.messagesSent)
	_ = registry.RegisterCounter("distributor", "bytes_sent", m.bytesSent)
	_ = registry.RegisterCounterVec("distributor", "removals", m.removals)
	_ = registry.RegisterHistogram("distributor", "broadcast_duration", m.broadcastDuration)
	return m
}

// Removal reasons.
const (
	reasonQueueFull   = "queue_full"
	reasonWriteFailed = "write_failed"
	reasonClosed      = "closed"
	reasonShutdown    = "shutdown"
)

// subscriber owns one sink, its bounded send queue and writer goroutine.
type subscriber struct {
	id          uint64
	sink        Sink
	format      message.Format
	queue       buffer.Buffer[[]byte]
	connectedAt time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// DistributorDeps holds runtime dependencies for the distributor.
type DistributorDeps struct {
	Config          Config
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Distributor fans events out to subscribers. Each subscriber has its own
// bounded queue and writer goroutine, so a slow or failed subscriber is
// removed without affecting the others or blocking the caller.
type Distributor struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	startTime time.Time

	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool

	totalConnections atomic.Uint64
	totalEvents      atomic.Uint64
	totalBytes       atomic.Uint64

	wg sync.WaitGroup
}

// NewDistributor creates a distributor with no subscribers.
func NewDistributor(deps DistributorDeps) *Distributor {
	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "distributor")
	}

	return &Distributor{
		cfg:         cfg,
		logger:      logger,
		metrics:     newMetrics(deps.MetricsRegistry),
		startTime:   time.Now(),
		subscribers: make(map[uint64]*subscriber),
	}
}

// AddSubscriber registers sink and queues its welcome message. It fails
// with errors.ErrShuttingDown once Shutdown has started.
func (d *Distributor) AddSubscriber(sink Sink) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errors.WrapTransient(errors.ErrShuttingDown, "Distributor", "AddSubscriber", "accept subscriber")
	}

	d.nextID++
	s := &subscriber{
		id:          d.nextID,
		sink:        sink,
		format:      sink.Format(),
		queue:       buffer.NewCircularBuffer[[]byte](d.cfg.QueueSize),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	d.subscribers[s.id] = s
	d.totalConnections.Add(1)
	if d.metrics != nil {
		d.metrics.connectionsTotal.Inc()
		d.metrics.subscribers.Set(float64(len(d.subscribers)))
	}

	welcome := message.NewWelcomeEnvelope(s.id, time.Now(), d.statsLocked())
	if data, err := message.Encode(s.format, welcome); err == nil {
		_ = s.queue.Write(data)
	} else {
		d.logger.Error("Failed to encode welcome", "client_id", s.id, "error", err)
	}

	d.wg.Add(1)
	go d.writeLoop(s)

	d.logger.Info("Subscriber connected", "client_id", s.id, "format", s.format,
		"active", len(d.subscribers))
	return s.id, nil
}

// RemoveSubscriber stops delivery to id and closes its sink. Unknown ids
// are ignored.
func (d *Distributor) RemoveSubscriber(id uint64) {
	d.mu.Lock()
	s, ok := d.subscribers[id]
	if ok {
		d.removeLocked(s, reasonClosed)
	}
	d.mu.Unlock()
}

func (d *Distributor) removeLocked(s *subscriber, reason string) {
	if _, ok := d.subscribers[s.id]; !ok {
		return
	}
	delete(d.subscribers, s.id)
	s.stop()
	s.queue.Clear()

	if d.metrics != nil {
		d.metrics.removals.WithLabelValues(reason).Inc()
		d.metrics.subscribers.Set(float64(len(d.subscribers)))
	}
	d.logger.Info("Subscriber disconnected", "client_id", s.id, "reason", reason,
		"connected_for", time.Since(s.connectedAt).Round(time.Millisecond),
		"active", len(d.subscribers))
}

func (d *Distributor) remove(s *subscriber, reason string) {
	d.mu.Lock()
	d.removeLocked(s, reason)
	d.mu.Unlock()
	s.stop()
}

// Broadcast queues ev for every subscriber. With no subscribers it returns
// without serializing anything.
func (d *Distributor) Broadcast(ev *message.Event) {
	d.broadcast(message.NewEventEnvelope(ev), 1)
}

// BroadcastBatch queues events as a single batch message.
func (d *Distributor) BroadcastBatch(events []*message.Event) {
	if len(events) == 0 {
		return
	}
	d.broadcast(message.NewBatchEnvelope(events), len(events))
}

func (d *Distributor) broadcast(env message.Envelope, count int) {
	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || len(d.subscribers) == 0 {
		return
	}

	enc := message.NewEncoder(env)
	for _, s := range d.subscribers {
		data, err := enc.Bytes(s.format)
		if err != nil {
			d.logger.Error("Failed to encode broadcast", "type", env.Type, "format", s.format, "error", err)
			continue
		}
		if err := s.queue.Write(data); err != nil {
			d.logger.Warn("Subscriber queue full", "client_id", s.id, "queue_size", d.cfg.QueueSize)
			d.removeLocked(s, reasonQueueFull)
		}
	}

	d.totalEvents.Add(uint64(count))
	if d.metrics != nil {
		d.metrics.broadcastDuration.Observe(time.Since(start).Seconds())
	}
}

// send queues env for a single subscriber.
func (d *Distributor) send(id uint64, env message.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.subscribers[id]
	if !ok {
		return
	}
	data, err := message.Encode(s.format, env)
	if err != nil {
		d.logger.Error("Failed to encode reply", "client_id", id, "type", env.Type, "error", err)
		return
	}
	if err := s.queue.Write(data); err != nil {
		d.removeLocked(s, reasonQueueFull)
	}
}

// Stats returns the distributor counters.
func (d *Distributor) Stats() message.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Distributor) statsLocked() message.Stats {
	return message.Stats{
		TotalConnections:     d.totalConnections.Load(),
		ActiveConnections:    len(d.subscribers),
		TotalEventsBroadcast: d.totalEvents.Load(),
		TotalBytesSent:       d.totalBytes.Load(),
		UptimeSeconds:        time.Since(d.startTime).Seconds(),
	}
}

// SubscriberCount returns the number of active subscribers.
func (d *Distributor) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

// Shutdown sends a shutdown message to every subscriber, closes each with
// code 1001 once its queue drains, and waits for the writers to exit. When
// ctx expires first the remaining writers are stopped without draining.
func (d *Distributor) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := make([]*subscriber, 0, len(d.subscribers))
	for _, s := range d.subscribers {
		subs = append(subs, s)
	}
	clear(d.subscribers)
	if d.metrics != nil {
		d.metrics.subscribers.Set(0)
		d.metrics.removals.WithLabelValues(reasonShutdown).Add(float64(len(subs)))
	}
	d.mu.Unlock()

	d.logger.Info("Shutting down distributor", "subscribers", len(subs))

	enc := message.NewEncoder(message.NewShutdownEnvelope("Server shutting down"))
	for _, s := range subs {
		if data, err := enc.Bytes(s.format); err == nil {
			_ = s.queue.Write(data)
		}
		// Closing the queue tells the writer to drain and hang up.
		_ = s.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, s := range subs {
			s.stop()
		}
		return errors.WrapTransient(ctx.Err(), "Distributor", "Shutdown", "drain subscribers")
	}
}

// writeLoop is the only goroutine that writes to s.sink.
func (d *Distributor) writeLoop(s *subscriber) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			_ = s.sink.Close(CloseNormal, "")
			return

		case <-s.queue.Ready():
			d.drain(s)

		case <-s.queue.Done():
			d.drain(s)
			_ = s.sink.Close(CloseGoingAway, "Server shutdown")
			return

		case <-ticker.C:
			if err := s.sink.Ping(time.Now().Add(d.cfg.SendTimeout)); err != nil {
				d.logger.Debug("Ping failed", "client_id", s.id, "error", err)
				d.remove(s, reasonWriteFailed)
			}
		}
	}
}

// drain writes everything queued for s. It returns false if a write failed
// or s was removed meanwhile.
func (d *Distributor) drain(s *subscriber) bool {
	for {
		batch := s.queue.ReadBatch(32)
		if len(batch) == 0 {
			return true
		}
		for _, data := range batch {
			select {
			case <-s.done:
				return false
			default:
			}

			if err := s.sink.Write(data, time.Now().Add(d.cfg.SendTimeout)); err != nil {
				d.logger.Debug("Send failed", "client_id", s.id, "error", err)
				d.remove(s, reasonWriteFailed)
				return false
			}

			d.totalBytes.Add(uint64(len(data)))
			if d.metrics != nil {
				d.metrics.messagesSent.Inc()
				d.metrics.bytesSent.Add(float64(len(data)))
			}
		}
	}
}
