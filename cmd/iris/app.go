package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/c360/iris/catalog"
	"github.com/c360/iris/config"
	"github.com/c360/iris/decoder"
	"github.com/c360/iris/engine"
	"github.com/c360/iris/errors"
	"github.com/c360/iris/health"
	"github.com/c360/iris/input/kernel"
	"github.com/c360/iris/message"
	"github.com/c360/iris/metric"
	"github.com/c360/iris/natsclient"
	natssink "github.com/c360/iris/output/nats"
	"github.com/c360/iris/output/websocket"
	"github.com/c360/iris/pkg/retry"
)

// app owns every long-lived component of one IRIS process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time

	metrics      *metric.MetricsRegistry
	catalog      *catalog.Catalog
	kernel       *kernel.Client
	distributor  *websocket.Distributor
	orchestrator *engine.Orchestrator
	natsClient   *natsclient.Client // nil unless NATS is enabled
	sink         *natssink.Sink
	monitor      *health.Monitor

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	group    errgroup.Group // HTTP server and NATS connector
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: registry,
		catalog: catalog.NewDefault(),
		monitor: health.NewMonitor(),
	}

	a.kernel = kernel.NewClient(kernel.ClientDeps{
		Config:          cfg.Kernel,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "kernel-client"),
	})
	a.distributor = websocket.NewDistributor(websocket.DistributorDeps{
		Config:          cfg.Distributor,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "distributor"),
	})

	var bus engine.Publisher
	if cfg.NATS.Enabled {
		client, err := natsclient.NewClient(cfg.NATS.URL,
			natsClientOptions(cfg.NATS, logger.With("component", "natsclient"), a.onNATSHealthChange)...)
		if err != nil {
			return nil, err
		}
		sink, err := natssink.NewSink(natssink.SinkDeps{
			Config:          cfg.NATS,
			Publisher:       client,
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		a.natsClient = client
		a.sink = sink
		bus = sink
	}

	processor, err := engine.NewProcessor(cfg.Engine.Processor, a.catalog, cfg.Engine.StatsInterval, logger)
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = engine.NewOrchestrator(engine.OrchestratorDeps{
		Config:      cfg.Engine,
		Transport:   a.kernel,
		Distributor: a.distributor,
		Bus:         bus,
		Decoders: decoder.NewDefaultRegistry(
			decoder.WithLogger(logger.With("component", "decoder-registry")),
			decoder.WithMetrics(core),
		),
		Catalog:   a.catalog,
		Processor: processor,
		Metrics:   core,
		Logger:    logger.With("component", "orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	a.registerHealthChecks()
	return a, nil
}

func natsClientOptions(cfg natssink.Config, logger *slog.Logger, onHealth func(bool)) []natsclient.ClientOption {
	return []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithPingInterval(cfg.PingInterval),
		natsclient.WithDrainTimeout(cfg.DrainTimeout),
		natsclient.WithCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitMaxOpen),
		natsclient.WithCredentials(cfg.Username, cfg.Password),
		natsclient.WithToken(cfg.Token),
		natsclient.WithHealthChangeCallback(onHealth),
	}
}

// onNATSHealthChange runs on the client's callback goroutine.
func (a *app) onNATSHealthChange(healthy bool) {
	if a.sink != nil {
		a.sink.SetLinkUp(healthy)
	}
}

func (a *app) registerHealthChecks() {
	a.monitor.Register("transport", func() health.Status {
		state := a.kernel.State()
		session := a.orchestrator.Session()

		var status health.Status
		if state == kernel.StateConnected {
			status = health.NewHealthy("", "Kernel connected")
		} else {
			status = health.NewDegraded("", "Kernel disconnected, waiting for "+a.cfg.Kernel.SocketPath)
		}
		return status.
			WithDetail("state", state.String()).
			WithDetail("session", session)
	})

	a.monitor.Register("distributor", func() health.Status {
		stats := a.distributor.Stats()
		return health.NewHealthy("", fmt.Sprintf("%d subscribers", stats.ActiveConnections)).
			WithDetail("stats", stats)
	})

	if a.natsClient != nil {
		a.monitor.Register("nats", func() health.Status {
			if a.natsClient.IsHealthy() {
				return health.NewHealthy("", "Publishing to NATS").
					WithDetail("published", a.sink.Published())
			}
			status := a.natsClient.Status()
			degraded := health.NewDegraded("", "NATS "+status.String()).
				WithDetail("failures", a.sink.Failures())
			if status == natsclient.StatusCircuitOpen {
				degraded = degraded.WithDetail("circuit_backoff", a.natsClient.Backoff().String())
			}
			return degraded
		})
	}
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", a.distributor)
	r.Get("/health", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Get("/catalog", a.handleCatalog)
	r.Handle("/metrics", a.metrics.Handler())
	return r
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := a.monitor.Report("iris")
	code := http.StatusOK
	if report.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// statsResponse is the /stats payload.
type statsResponse struct {
	Uptime       string        `json:"uptime"`
	Transport    kernel.Stats  `json:"transport"`
	Orchestrator engine.Stats  `json:"orchestrator"`
	Distributor  message.Stats `json:"distributor"`
	NATS         *natsStats    `json:"nats,omitempty"`
}

type natsStats struct {
	Status          string `json:"status"`
	LinkUp          bool   `json:"link_up"`
	Published       uint64 `json:"published"`
	Failures        uint64 `json:"failures"`
	ConnectFailures int32  `json:"connect_failures"`
	RTT             string `json:"rtt,omitempty"`
}

func (a *app) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Uptime:       time.Since(a.started).Round(time.Second).String(),
		Transport:    a.kernel.Stats(),
		Orchestrator: a.orchestrator.Stats(),
		Distributor:  a.distributor.Stats(),
	}
	if a.natsClient != nil {
		status := a.natsClient.GetStatus()
		resp.NATS = &natsStats{
			Status:          status.Status.String(),
			LinkUp:          a.sink.LinkUp(),
			Published:       a.sink.Published(),
			Failures:        a.sink.Failures(),
			ConnectFailures: status.FailureCount,
		}
		if status.RTT > 0 {
			resp.NATS.RTT = status.RTT.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.catalog.All())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// start binds the HTTP listener, starts the pipeline and, when enabled,
// connects to NATS in the background.
func (a *app) start(ctx context.Context) error {
	a.started = time.Now()

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return errors.WrapFatal(err, "app", "start", "listen on "+a.cfg.Server.Addr)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.group.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
			return errors.WrapFatal(err, "app", "serve", "serve HTTP")
		}
		return nil
	})

	if a.natsClient != nil {
		a.group.Go(func() error {
			a.connectNATS(runCtx)
			return nil
		})
	}

	if err := a.orchestrator.Start(runCtx); err != nil {
		return err
	}

	a.logger.Info("IRIS backend started",
		"addr", ln.Addr().String(),
		"socket", a.cfg.Kernel.SocketPath,
		"processor", a.cfg.Engine.Processor,
		"nats", a.cfg.NATS.Enabled)
	a.logger.Info("Event feed available", "url", "ws://"+ln.Addr().String()+"/ws")
	return nil
}

func (a *app) connectNATS(ctx context.Context) {
	cfg := retry.Config{
		MaxAttempts:  1 << 30,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
	err := retry.Do(ctx, cfg, func() error {
		err := a.natsClient.Connect(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrAlreadyStopped):
			// closed during shutdown
			return retry.NonRetryable(err)
		default:
			a.logger.Warn("NATS unavailable, events are not published to the bus", "error", err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil && !retry.IsNonRetryable(err) {
		a.logger.Error("Giving up on NATS", "error", err)
	}
}

// shutdown stops ingest first so no new events arrive, then drains the
// subscribers, the HTTP server and the NATS connection.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.orchestrator.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.kernel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.distributor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, errors.WrapTransient(err, "app", "shutdown", "stop HTTP server"))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.natsClient != nil {
		if err := a.natsClient.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// addr returns the bound HTTP address once started.
func (a *app) addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}
