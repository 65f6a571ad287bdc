// Package kernel provides the ingest side of IRIS: a client that keeps a
// best-effort connection to the kernel's debug socket and turns the byte
// stream into frames.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/iris/errors"
	"github.com/c360/iris/metric"
	"github.com/c360/iris/pkg/retry"
	"github.com/c360/iris/protocol"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MessageKind tells the consumer which field of a Message is set.
type MessageKind int

const (
	// MessageConnected is published after every successful dial.
	MessageConnected MessageKind = iota
	// MessageOutput carries a protocol.Frame or protocol.CorruptionSignal.
	MessageOutput
	// MessageClosed is published when a dial fails or an established
	// connection ends. A reconnect is already scheduled when it arrives.
	MessageClosed
)

// Message is one item on the client's output channel.
type Message struct {
	Kind   MessageKind
	Output protocol.Output
	Err    error
}

// Config holds the client settings.
type Config struct {
	SocketPath     string        `json:"socket_path"      env:"SOCKET_PATH"`
	InitialDelay   time.Duration `json:"initial_delay"    env:"INITIAL_DELAY"`   // before the first successful connection
	ReconnectDelay time.Duration `json:"reconnect_delay"  env:"RECONNECT_DELAY"` // once a connection has been seen
	ReadBufferSize int           `json:"read_buffer_size" env:"READ_BUFFER_SIZE"`
	OutputBuffer   int           `json:"output_buffer"    env:"OUTPUT_BUFFER"`
}

// DefaultConfig returns the settings used by the reference deployment.
func DefaultConfig() Config {
	return Config{
		SocketPath:     "/tmp/iris_kernel.sock",
		InitialDelay:   1 * time.Second,
		ReconnectDelay: 2 * time.Second,
		ReadBufferSize: 64 * 1024,
		OutputBuffer:   1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "kernel.Config", "Validate", "socket path check")
	}
	if c.InitialDelay <= 0 || c.ReconnectDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "kernel.Config", "Validate", "reconnect delay check")
	}
	return nil
}

// Metrics holds Prometheus metrics for the kernel client
type Metrics struct {
	connects        prometheus.Counter
	disconnects     prometheus.Counter
	dialFailures    prometheus.Counter
	bytesReceived   prometheus.Counter
	connectionState prometheus.Gauge
}

// newMetrics creates and registers client metrics. A nil registry yields
// nil metrics.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "connects_total",
			Help:      "Successful connections to the kernel socket",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Established connections that ended",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "dial_failures_total",
			Help:      "Connection attempts that failed",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Raw bytes read from the kernel socket",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected",
		}),
	}

	_ = registry.RegisterCounter("kernel_client", "connects", m.connects)
	_ = registry.RegisterCounter("kernel_client", "disconnects", m.disconnects)
	_ = registry.RegisterCounter("kernel_client", "dial_failures", m.dialFailures)
	_ = registry.RegisterCounter("kernel_client", "bytes_received", m.bytesReceived)
	_ = registry.RegisterGauge("kernel_client", "connection_state", m.connectionState)
	return m
}

// ClientDeps holds runtime dependencies for the client.
type ClientDeps struct {
	Config          Config
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	State          string `json:"state"`
	EverConnected  bool   `json:"ever_connected"`
	Connects       int64  `json:"connects"`
	Disconnects    int64  `json:"disconnects"`
	DialFailures   int64  `json:"dial_failures"`
	BytesReceived  int64  `json:"bytes_received"`
	FramesDecoded  uint64 `json:"frames_decoded"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
}

// connection is one established socket. done is closed when Disconnect
// tears it down so the reader knows not to reconnect.
type connection struct {
	conn net.Conn
	done chan struct{}
}

// Client connects to the kernel socket, feeds every chunk through a
// protocol.FrameDecoder and publishes the results on Messages(). After a
// failure it reconnects on a single timer until Disconnect is called.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	out     chan Message

	mu            sync.Mutex
	state         State
	current       *connection
	timer         *time.Timer
	stopped       bool
	everConnected bool
	backoff       *retry.Backoff
	decoder       *protocol.FrameDecoder

	connects      atomic.Int64
	disconnects   atomic.Int64
	dialFailures  atomic.Int64
	bytesReceived atomic.Int64

	wg sync.WaitGroup
}

// NewClient creates a client. It does not dial until Connect is called.
func NewClient(deps ClientDeps) *Client {
	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaults.ReadBufferSize
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = defaults.OutputBuffer
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "kernel-client")
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With("socket", cfg.SocketPath),
		metrics: newMetrics(deps.MetricsRegistry),
		out:     make(chan Message, cfg.OutputBuffer),
		backoff: retry.NewBackoff(retry.Fixed(cfg.InitialDelay)),
		decoder: protocol.NewFrameDecoder(),
	}
}

// Messages returns the output channel. It is never closed; consumers stop
// on their own context.
func (c *Client) Messages() <-chan Message {
	return c.out
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	state := c.state
	ever := c.everConnected
	frames := c.decoder.FramesDecoded()
	discarded := c.decoder.BytesDiscarded()
	c.mu.Unlock()

	return Stats{
		State:          state.String(),
		EverConnected:  ever,
		Connects:       c.connects.Load(),
		Disconnects:    c.disconnects.Load(),
		DialFailures:   c.dialFailures.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		FramesDecoded:  frames,
		BytesDiscarded: discarded,
	}
}

// Connect dials the kernel socket. A failed dial is returned as a transient
// error and a reconnect is already scheduled; reconnects continue until ctx
// ends or Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "kernel.Client", "Connect", "state check")
	}
	c.stopped = false
	c.cancelTimerLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect cancels any pending reconnect, closes the connection and
// drops buffered decoder state. No reconnect happens afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.cancelTimerLocked()
	cur := c.current
	c.current = nil
	wasConnected := c.state == StateConnected
	c.setStateLocked(StateDisconnected)
	c.decoder.Reset()
	c.mu.Unlock()

	if cur != nil {
		close(cur.done)
		_ = cur.conn.Close()
	}
	if wasConnected {
		c.logger.Info("Disconnected from kernel socket")
	}
}

// Close disconnects and waits for the reader goroutine to exit.
func (c *Client) Close() error {
	c.Disconnect()
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		c.dialFailures.Add(1)
		if c.metrics != nil {
			c.metrics.dialFailures.Inc()
		}
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.logFailure(err)
		c.publish(ctx, Message{Kind: MessageClosed, Err: err})
		c.scheduleReconnect(ctx)
		return errors.WrapTransient(err, "kernel.Client", "Connect", "dial kernel socket")
	}

	cur := &connection{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	if c.stopped {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	first := !c.everConnected
	c.everConnected = true
	c.current = cur
	c.decoder.Reset()
	c.backoff = retry.NewBackoff(retry.Fixed(c.cfg.ReconnectDelay))
	c.setStateLocked(StateConnected)
	c.wg.Add(1)
	c.mu.Unlock()

	c.connects.Add(1)
	if c.metrics != nil {
		c.metrics.connects.Inc()
	}
	if first {
		c.logger.Info("Connected to kernel debug socket")
	} else {
		c.logger.Debug("Reconnected to kernel debug socket")
	}

	c.publish(ctx, Message{Kind: MessageConnected})
	go c.readLoop(ctx, cur)
	return nil
}

func (c *Client) readLoop(ctx context.Context, cur *connection) {
	defer c.wg.Done()

	buf := make([]byte, c.cfg.ReadBufferSize)
	var readErr error
	for {
		n, err := cur.conn.Read(buf)
		if n > 0 {
			c.bytesReceived.Add(int64(n))
			if c.metrics != nil {
				c.metrics.bytesReceived.Add(float64(n))
			}

			// A torn-down connection must not feed the reset decoder.
			var outputs []protocol.Output
			c.mu.Lock()
			if c.current == cur {
				outputs = c.decoder.Write(buf[:n])
			}
			c.mu.Unlock()

			for _, o := range outputs {
				c.publish(ctx, Message{Kind: MessageOutput, Output: o})
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	select {
	case <-cur.done:
		// Disconnect already cleaned up.
		return
	default:
	}

	c.mu.Lock()
	if c.current == cur {
		c.current = nil
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	_ = cur.conn.Close()

	c.disconnects.Add(1)
	if c.metrics != nil {
		c.metrics.disconnects.Inc()
	}

	var closeErr error
	if readErr == io.EOF {
		c.logger.Info("Kernel closed the connection")
	} else {
		closeErr = readErr
		c.logFailure(readErr)
	}

	c.publish(ctx, Message{Kind: MessageClosed, Err: closeErr})
	c.scheduleReconnect(ctx)
}

// scheduleReconnect arms the reconnect timer unless one is already pending,
// the client was stopped, or ctx is done.
func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil || c.stopped || ctx.Err() != nil {
		return
	}

	delay := c.backoff.Next()
	c.logger.Debug("Reconnect scheduled", "delay", delay, "attempt", c.backoff.Attempts())

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.timer != t || c.stopped {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		_ = c.dial(ctx)
	})
	c.timer = t
}

func (c *Client) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	if c.metrics != nil {
		c.metrics.connectionState.Set(float64(s))
	}
}

// logFailure hides the expected "socket does not exist yet" errors until the
// kernel has been seen at least once.
func (c *Client) logFailure(err error) {
	c.mu.Lock()
	ever := c.everConnected
	c.mu.Unlock()

	if !ever && errors.IsEndpointMissing(err) {
		c.logger.Debug("Kernel socket not available yet", "error", err)
		return
	}
	c.logger.Warn("Kernel socket error", "error", err)
}

func (c *Client) publish(ctx context.Context, m Message) {
	select {
	case c.out <- m:
	case <-ctx.Done():
	}
}
