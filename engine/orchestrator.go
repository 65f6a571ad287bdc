package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/c360/iris/catalog"
	"github.com/c360/iris/decoder"
	"github.com/c360/iris/errors"
	"github.com/c360/iris/input/kernel"
	"github.com/c360/iris/message"
	"github.com/c360/iris/metric"
	"github.com/c360/iris/protocol"
)

// TracerName names the tracer used when OrchestratorDeps.Tracer is nil.
const TracerName = "github.com/c360/iris/engine"

// Config holds orchestrator settings.
type Config struct {
	Processor        string        `json:"processor"         env:"PROCESSOR"`
	StatsInterval    time.Duration `json:"stats_interval"    env:"STATS_INTERVAL"`
	CorruptionLogGap time.Duration `json:"corruption_log_gap" env:"CORRUPTION_LOG_GAP"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Processor:        ProcessorCount,
		StatsInterval:    5 * time.Second,
		CorruptionLogGap: time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Processor {
	case ProcessorCount, ProcessorConsole, ProcessorNone, "":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine.Config", "Validate", "processor check")
	}
	if c.StatsInterval <= 0 || c.CorruptionLogGap <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine.Config", "Validate", "interval check")
	}
	return nil
}

// Transport is the ingest side. kernel.Client implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Messages() <-chan kernel.Message
}

// Broadcaster fans events out to live subscribers.
type Broadcaster interface {
	Broadcast(e *message.Event)
}

// Publisher forwards events to a secondary sink such as a message bus.
type Publisher interface {
	Publish(ctx context.Context, e *message.Event) error
}

// SessionState tracks whether the current producer session has announced
// itself. It is reset on every transport disconnect.
type SessionState struct {
	InitReceived bool      `json:"init_received"`
	SessionID    string    `json:"session_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	EventsProcessed  uint64       `json:"events_processed"`
	HeaderRejects    uint64       `json:"header_rejects"`
	CorruptionEvents uint64       `json:"corruption_events"`
	CorruptedBytes   uint64       `json:"corrupted_bytes"`
	Sessions         uint64       `json:"sessions"`
	Session          SessionState `json:"session"`
}

// OrchestratorDeps holds the components the orchestrator wires together.
// Decoders and Catalog default to the built-in instances.
type OrchestratorDeps struct {
	Config      Config
	Transport   Transport
	Distributor Broadcaster
	Bus         Publisher // optional
	Decoders    *decoder.Registry
	Catalog     *catalog.Catalog
	Processor   Processor       // optional
	Metrics     *metric.Metrics // optional
	Tracer      trace.Tracer    // optional, defaults to the global provider
	Logger      *slog.Logger    // optional
}

// Orchestrator pulls frames from the transport, parses and decodes them,
// and hands the resulting events to the distributor. It is the only owner
// of session state.
type Orchestrator struct {
	cfg         Config
	transport   Transport
	distributor Broadcaster
	bus         Publisher
	decoders    *decoder.Registry
	catalog     *catalog.Catalog
	processor   Processor
	metrics     *metric.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	corruptLog  *rate.Limiter

	mu      sync.RWMutex
	session SessionState
	cancel  context.CancelFunc
	running bool

	eventsProcessed  atomic.Uint64
	headerRejects    atomic.Uint64
	corruptionEvents atomic.Uint64
	corruptedBytes   atomic.Uint64
	sessions         atomic.Uint64

	wg sync.WaitGroup
}

// NewOrchestrator validates deps and builds an orchestrator.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Transport == nil || deps.Distributor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "NewOrchestrator", "dependency check")
	}

	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaults.StatsInterval
	}
	if cfg.CorruptionLogGap <= 0 {
		cfg.CorruptionLogGap = defaults.CorruptionLogGap
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}

	decoders := deps.Decoders
	if decoders == nil {
		decoders = decoder.NewDefaultRegistry(decoder.WithLogger(logger), decoder.WithMetrics(deps.Metrics))
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.NewDefault()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}

	return &Orchestrator{
		cfg:         cfg,
		transport:   deps.Transport,
		distributor: deps.Distributor,
		bus:         deps.Bus,
		decoders:    decoders,
		catalog:     cat,
		processor:   deps.Processor,
		metrics:     deps.Metrics,
		tracer:      tracer,
		logger:      logger,
		corruptLog:  rate.NewLimiter(rate.Every(cfg.CorruptionLogGap), 1),
	}, nil
}

// Start begins consuming transport output and dials the kernel. A dial
// failure is not an error: the transport keeps retrying until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Orchestrator", "Start", "state check")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx)

	if r, ok := o.processor.(Runner); ok {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			r.Run(runCtx)
		}()
	}

	if err := o.transport.Connect(runCtx); err != nil {
		if !errors.IsTransient(err) {
			_ = o.Stop(context.Background())
			return errors.Wrap(err, "Orchestrator", "Start", "connect transport")
		}
		o.logger.Debug("Kernel not reachable yet, reconnect scheduled", "error", err)
	}
	return nil
}

// Stop disconnects the transport and waits for the ingest goroutine to
// exit or ctx to end. The session is reset by the ingest goroutine on its
// way out, so no frame handled after Stop can leave init set.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.transport.Disconnect()
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Orchestrator", "Stop", "wait for ingest loop")
	}
}

// Session returns a copy of the current session state.
func (o *Orchestrator) Session() SessionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session
}

// Stats returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		EventsProcessed:  o.eventsProcessed.Load(),
		HeaderRejects:    o.headerRejects.Load(),
		CorruptionEvents: o.corruptionEvents.Load(),
		CorruptedBytes:   o.corruptedBytes.Load(),
		Sessions:         o.sessions.Load(),
		Session:          o.Session(),
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	msgs := o.transport.Messages()
	defer func() {
		drainMessages(msgs)
		o.resetSession("stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgs:
			// select picks randomly when both are ready
			if ctx.Err() != nil {
				return
			}
			o.handle(ctx, m)
		}
	}
}

// drainMessages discards whatever the transport queued before it was
// disconnected so a later Start does not replay it.
func drainMessages(msgs <-chan kernel.Message) {
	for {
		select {
		case <-msgs:
		default:
			return
		}
	}
}

// handle processes one transport message. A panic in any downstream
// component is logged and the message dropped.
func (o *Orchestrator) handle(ctx context.Context, m kernel.Message) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Recovered from panic while handling kernel message", "panic", r)
		}
	}()

	switch m.Kind {
	case kernel.MessageConnected:
		o.logger.Info("Kernel connected, waiting for IRIS_INIT")
	case kernel.MessageClosed:
		o.resetSession("transport closed")
	case kernel.MessageOutput:
		switch out := m.Output.(type) {
		case protocol.Frame:
			o.handleFrame(ctx, out)
		case protocol.CorruptionSignal:
			o.handleCorruption(out)
		}
	}
}

func (o *Orchestrator) handleFrame(ctx context.Context, frame protocol.Frame) {
	start := time.Now()
	o.metrics.RecordFrame()

	ctx, span := o.tracer.Start(ctx, "iris.frame",
		trace.WithAttributes(attribute.Int("iris.frame.length", int(frame.LengthField))))
	defer span.End()

	ev, err := protocol.ParseHeader(frame)
	if err != nil {
		o.headerRejects.Add(1)
		o.metrics.RecordHeaderReject()
		o.logger.Debug("Dropped frame", "length", frame.LengthField, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "header rejected")
		return
	}
	span.SetAttributes(
		attribute.String("iris.event_type", metric.EventTypeLabel(ev.EventType)),
		attribute.Int("iris.cpu_id", int(ev.CPUID)),
	)

	if ev.EventType == protocol.EventIrisInit {
		o.startSession()
	}

	e := o.buildEvent(ev)
	o.metrics.RecordEvent(ev.EventType)
	o.eventsProcessed.Add(1)

	o.distributor.Broadcast(e)
	if o.bus != nil {
		// Failures are counted and logged by the sink.
		if err := o.bus.Publish(ctx, e); err != nil {
			span.RecordError(err)
		}
	}
	if o.processor != nil {
		o.processor.Process(e)
	}

	o.metrics.RecordPipelineDuration(time.Since(start))
}

func (o *Orchestrator) buildEvent(ev protocol.Event) *message.Event {
	e := &message.Event{
		Timestamp: ev.TimestampNanos,
		EventType: ev.EventType,
		CPUID:     ev.CPUID,
		Payload:   ev.Payload,
		SessionID: o.Session().SessionID,
	}

	if def, ok := o.catalog.Lookup(ev.EventType); ok {
		e.EventName = def.Name
		e.Category = def.Category.String()
		e.Severity = def.Severity.String()
	}

	if p := o.decoders.Resolve(ev.EventType, ev.Payload); p != nil && p.Kind() != decoder.KindRaw {
		e.Decoded = p
		e.DecodedKind = p.Kind()
	}
	return e
}

// handleCorruption always counts the signal but only reports it once the
// producer has announced a session, so noise during startup stays quiet.
func (o *Orchestrator) handleCorruption(sig protocol.CorruptionSignal) {
	o.corruptionEvents.Add(1)
	o.corruptedBytes.Add(uint64(sig.DiscardedLength))
	o.metrics.RecordCorruption(sig.Reason, sig.DiscardedLength)

	if !o.Session().InitReceived {
		return
	}
	if o.corruptLog.Allow() {
		o.logger.Warn("Stream corruption detected",
			"discarded_bytes", sig.DiscardedLength,
			"reason", sig.Reason)
	}
}

func (o *Orchestrator) startSession() {
	id := uuid.New().String()

	o.mu.Lock()
	o.session = SessionState{InitReceived: true, SessionID: id, StartedAt: time.Now()}
	o.mu.Unlock()

	o.sessions.Add(1)
	o.metrics.RecordSession(true)
	o.logger.Info("Kernel session started", "session_id", id)
}

func (o *Orchestrator) resetSession(reason string) {
	o.mu.Lock()
	prev := o.session
	o.session = SessionState{}
	o.mu.Unlock()

	o.metrics.RecordSession(false)
	if prev.InitReceived {
		o.logger.Info("Kernel session ended",
			"session_id", prev.SessionID,
			"reason", reason,
			"duration", fmt.Sprint(time.Since(prev.StartedAt).Round(time.Millisecond)))
	}
}
