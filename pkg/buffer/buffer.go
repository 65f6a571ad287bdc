package buffer

// Buffer is a bounded FIFO of items of type T. Writers never block: when
// the buffer is full the overflow policy decides what happens. A single
// consumer waits on Ready and drains with ReadBatch.
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	Size() int
	Capacity() int
	IsEmpty() bool

	// Ready receives a signal after a write makes the buffer non-empty.
	// Signals coalesce, so a consumer must drain fully after each one.
	Ready() <-chan struct{}

	// Done is closed once the buffer is closed.
	Done() <-chan struct{}

	// Clear drops every queued item and returns how many were dropped.
	Clear() int

	Stats() *Statistics

	// Close rejects further writes. Queued items remain readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// Reject refuses the new item with errors.ErrQueueFull.
	Reject OverflowPolicy = iota

	// DropOldest removes the oldest item to make room.
	DropOldest

	// DropNewest silently discards the new item.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Reject:
		return "Reject"
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each item discarded
// by the overflow policy or by Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer holding at most capacity items.
// Capacity below 1 is raised to 1.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
