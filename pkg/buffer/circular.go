package buffer

import (
	"sync"

	"github.com/c360/iris/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	opts     *bufferOptions[T]

	ready  chan struct{}
	done   chan struct{}
	closed bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (cb *circularBuffer[T]) Write(item T) error {
	var dropped []T
	defer func() {
		if cb.opts.dropCallback != nil {
			for _, d := range dropped {
				cb.opts.dropCallback(d)
			}
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped = append(dropped, cb.pop())
			cb.stats.Drop()
		case DropNewest:
			dropped = append(dropped, item)
			cb.stats.Drop()
			return nil
		default:
			return errors.ErrQueueFull
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))

	select {
	case cb.ready <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest item. Caller holds mu and guarantees size > 0.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}

	item := cb.pop()
	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	return item, true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = cb.pop()
		cb.stats.Read()
	}
	cb.stats.UpdateSize(int64(cb.size))
	return out
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	return cb.Size() == 0
}

func (cb *circularBuffer[T]) Ready() <-chan struct{} {
	return cb.ready
}

func (cb *circularBuffer[T]) Done() <-chan struct{} {
	return cb.done
}

func (cb *circularBuffer[T]) Clear() int {
	cb.mu.Lock()
	dropped := make([]T, 0, cb.size)
	for cb.size > 0 {
		dropped = append(dropped, cb.pop())
		cb.stats.Drop()
	}
	cb.head, cb.tail = 0, 0
	cb.stats.UpdateSize(0)
	cb.mu.Unlock()

	if cb.opts.dropCallback != nil {
		for _, item := range dropped {
			cb.opts.dropCallback(item)
		}
	}
	return len(dropped)
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	close(cb.done)
	return nil
}
