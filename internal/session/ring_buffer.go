package session

import "sync"

// RingBuffer keeps the most recent values written to it so that late
// subscribers can replay a session's output.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	pos   int // next write position
	full  bool
	total int
}

// NewRingBuffer creates a ring buffer holding up to capacity values. A
// capacity below one is raised to one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Write appends v, overwriting the oldest value when full.
func (rb *RingBuffer[T]) Write(v T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = v
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
	rb.total++
}

// ReadAll returns the buffered values oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		out := make([]T, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}
	out := make([]T, len(rb.buf))
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return out
}

// Dropped returns how many values were overwritten.
func (rb *RingBuffer[T]) Dropped() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if !rb.full {
		return 0
	}
	return rb.total - len(rb.buf)
}
