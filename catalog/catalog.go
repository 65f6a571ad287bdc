// Package catalog holds the human-facing metadata of kernel event types:
// name, category, severity and description.
package catalog

import (
	"fmt"
	"sort"
	"sync"
)

// Category groups event types by kernel subsystem. Each category owns a
// 0x100-wide block of event ids.
type Category string

const (
	CategorySystem     Category = "SYSTEM"    // 0x0000 - 0x00FF
	CategoryBoot       Category = "BOOT"      // 0x0100 - 0x01FF
	CategoryProcess    Category = "PROCESS"   // 0x0200 - 0x02FF
	CategoryMemory     Category = "MEMORY"    // 0x0300 - 0x03FF
	CategoryInterrupt  Category = "INTERRUPT" // 0x0400 - 0x04FF
	CategorySync       Category = "SYNC"      // 0x0500 - 0x05FF
	CategoryIO         Category = "IO"        // 0x0600 - 0x06FF
	CategoryFilesystem Category = "FS"        // 0x0700 - 0x07FF
	CategoryNetwork    Category = "NET"       // 0x0800 - 0x08FF
)

// String returns the string representation of the category
func (c Category) String() string {
	return string(c)
}

// Severity ranks how noteworthy an event is.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// String returns the string representation of the severity
func (s Severity) String() string {
	return string(s)
}

// Definition describes one event type.
type Definition struct {
	ID          uint16   `json:"id"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Option is a functional option for configuring a registered definition.
type Option func(*Definition)

// WithDescription sets the human-readable description.
func WithDescription(desc string) Option {
	return func(d *Definition) {
		d.Description = desc
	}
}

// WithSeverity overrides the default INFO severity.
func WithSeverity(s Severity) Option {
	return func(d *Definition) {
		d.Severity = s
	}
}

// Catalog maps event ids to definitions. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	events map[uint16]Definition
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{events: make(map[uint16]Definition)}
}

// NewDefault returns a catalog preloaded with the events the kernel emits
// today.
func NewDefault() *Catalog {
	c := New()
	c.Register(0x0001, "IRIS_INIT", CategorySystem, WithDescription("IRIS debug system initialized"))
	c.Register(0x0100, "BOOT_START", CategoryBoot, WithDescription("Kernel boot sequence started"))
	c.Register(0x0101, "GDT_LOADED", CategoryBoot, WithDescription("Global Descriptor Table loaded"))
	c.Register(0x0102, "TSS_LOADED", CategoryBoot, WithDescription("Task State Segment configured"))
	return c
}

// Register adds or replaces the definition for id.
func (c *Catalog) Register(id uint16, name string, category Category, opts ...Option) {
	d := Definition{
		ID:       id,
		Name:     name,
		Category: category,
		Severity: SeverityInfo,
	}
	for _, opt := range opts {
		opt(&d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[id] = d
}

// Lookup returns the definition for id.
func (c *Catalog) Lookup(id uint16) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.events[id]
	return d, ok
}

// ByCategory returns every definition in category ordered by id.
func (c *Catalog) ByCategory(category Category) []Definition {
	return c.filter(func(d Definition) bool { return d.Category == category })
}

// BySeverity returns every definition with severity ordered by id.
func (c *Catalog) BySeverity(severity Severity) []Definition {
	return c.filter(func(d Definition) bool { return d.Severity == severity })
}

// All returns every definition ordered by id.
func (c *Catalog) All() []Definition {
	return c.filter(func(Definition) bool { return true })
}

func (c *Catalog) filter(keep func(Definition) bool) []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.events))
	for _, d := range c.events {
		if keep(d) {
			out = append(out, d)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Label renders id as "CATEGORY::NAME (0x0001)", or "UNKNOWN::EVENT_0x1234"
// when the id is not registered.
func (c *Catalog) Label(id uint16) string {
	if d, ok := c.Lookup(id); ok {
		return fmt.Sprintf("%s::%s (0x%04x)", d.Category, d.Name, id)
	}
	return fmt.Sprintf("UNKNOWN::EVENT_0x%04x", id)
}
