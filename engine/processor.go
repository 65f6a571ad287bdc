package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/iris/catalog"
	"github.com/c360/iris/errors"
	"github.com/c360/iris/message"
)

// Processor names accepted by NewProcessor.
const (
	ProcessorCount   = "count"
	ProcessorConsole = "console"
	ProcessorNone    = "none"
)

// Processor observes every event after it has been distributed. Process
// runs on the ingest goroutine and must not block.
type Processor interface {
	Process(e *message.Event)
}

// Runner is implemented by processors that need a background loop.
type Runner interface {
	Run(ctx context.Context)
}

// NewProcessor returns the processor registered under name. "none" and the
// empty string return nil.
func NewProcessor(name string, cat *catalog.Catalog, interval time.Duration, logger *slog.Logger) (Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch name {
	case ProcessorCount:
		return NewCountProcessor(interval, logger), nil
	case ProcessorConsole:
		return NewConsoleProcessor(cat, logger), nil
	case ProcessorNone, "":
		return nil, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown processor %q", errors.ErrInvalidConfig, name),
			"engine", "NewProcessor", "processor lookup")
	}
}

// CountProcessor counts events and logs the total periodically.
type CountProcessor struct {
	interval time.Duration
	logger   *slog.Logger

	count    atomic.Uint64
	reported uint64
}

// NewCountProcessor creates a counting processor that reports every interval.
func NewCountProcessor(interval time.Duration, logger *slog.Logger) *CountProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CountProcessor{
		interval: interval,
		logger:   logger.With("processor", ProcessorCount),
	}
}

// Process implements Processor.
func (p *CountProcessor) Process(*message.Event) {
	p.count.Add(1)
}

// Count returns the number of events seen.
func (p *CountProcessor) Count() uint64 {
	return p.count.Load()
}

// Run logs the count every interval until ctx ends.
func (p *CountProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.report()
		}
	}
}

// report is only called from Run, so reported needs no locking.
func (p *CountProcessor) report() {
	total := p.count.Load()
	delta := total - p.reported
	p.reported = total
	p.logger.Info("Processed events",
		"total", total,
		"since_last", delta,
		"per_second", float64(delta)/p.interval.Seconds())
}

// ConsoleProcessor logs one line per event.
type ConsoleProcessor struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewConsoleProcessor creates a processor that labels events from cat.
func NewConsoleProcessor(cat *catalog.Catalog, logger *slog.Logger) *ConsoleProcessor {
	if cat == nil {
		cat = catalog.New()
	}
	return &ConsoleProcessor{
		catalog: cat,
		logger:  logger.With("processor", ProcessorConsole),
	}
}

// Process implements Processor.
func (p *ConsoleProcessor) Process(e *message.Event) {
	p.logger.Info("Kernel event",
		"event", p.catalog.Label(e.EventType),
		"cpu", e.CPUID,
		"time", fmt.Sprintf("%.9fs", float64(e.Timestamp)/1e9),
		"payload_bytes", len(e.Payload))
}
