package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64

	currentSize atomic.Int64
	maxSize     atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records a buffer write operation.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a buffer read operation.
func (s *Statistics) Read() { s.reads.Add(1) }

// Overflow records a write attempted while full.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records an item discarded by policy or Clear.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and raises the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Writes returns the total number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes that found the buffer full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of discarded items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the last recorded size.
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Overflows   int64         `json:"overflows"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		Uptime:      time.Since(s.startTime),
	}
}
