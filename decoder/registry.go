// Package decoder maps event types to payload decoders and ships the
// reference decoders for the boot-time x86 structures.
package decoder

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/iris/errors"
	"github.com/c360/iris/metric"
)

// Event types decoded by the default registry.
const (
	EventGDTLoaded uint16 = 0x0101
	EventTSSLoaded uint16 = 0x0102
)

// Decoder interprets the payload of one event type.
type Decoder interface {
	Decode(payload []byte) (Payload, error)
	Description() string
}

// Registry maps event types to decoders. Decode never panics and never
// returns an error: a failing decoder is logged, counted and reported as
// absent so a malformed payload cannot interrupt the event stream.
type Registry struct {
	mu       sync.RWMutex
	decoders map[uint16]Decoder

	logger   *slog.Logger
	metrics  *metric.Metrics
	failures atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for decode failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records decode failures in m.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		decoders: make(map[uint16]Decoder),
		logger:   slog.Default().With("component", "decoder-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry returns a registry with the GDT and TSS decoders.
func NewDefaultRegistry(opts ...Option) *Registry {
	r := NewRegistry(opts...)
	r.Register(EventGDTLoaded, GDTDecoder{})
	r.Register(EventTSSLoaded, TSSDecoder{})
	return r
}

// Register installs d for eventType, replacing any previous decoder.
func (r *Registry) Register(eventType uint16, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = d
}

// Has reports whether a decoder is registered for eventType.
func (r *Registry) Has(eventType uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// Describe returns the description of the decoder for eventType.
func (r *Registry) Describe(eventType uint16) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[eventType]
	if !ok {
		return "", false
	}
	return d.Description(), true
}

// Decode runs the decoder registered for eventType. It returns false when
// no decoder is registered or the decoder failed.
func (r *Registry) Decode(eventType uint16, payload []byte) (Payload, bool) {
	r.mu.RLock()
	d, ok := r.decoders[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	p, err := r.safeDecode(d, payload)
	if err != nil || p == nil {
		if err == nil {
			err = errors.ErrPayloadDecode
		}
		r.failures.Add(1)
		r.metrics.RecordDecodeFailure(eventType)
		r.logger.Warn("Payload decode failed",
			"event_type", fmt.Sprintf("0x%04x", eventType),
			"payload_bytes", len(payload),
			"error", err)
		return nil, false
	}
	return p, true
}

func (r *Registry) safeDecode(d Decoder, payload []byte) (p Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = errors.WrapInvalid(fmt.Errorf("%w: panic: %v", errors.ErrPayloadDecode, rec),
				"Registry", "Decode", d.Description())
		}
	}()
	return d.Decode(payload)
}

// Resolve returns the decoded payload for an event, falling back to the raw
// bytes when no decoder applies. It returns nil for an empty payload.
func (r *Registry) Resolve(eventType uint16, payload []byte) Payload {
	if len(payload) == 0 {
		return nil
	}
	if p, ok := r.Decode(eventType, payload); ok {
		return p
	}
	return &RawPayload{Bytes: payload}
}

// Failures returns the number of decode failures since creation.
func (r *Registry) Failures() uint64 {
	return r.failures.Load()
}
