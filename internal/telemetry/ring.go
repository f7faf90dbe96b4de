package telemetry

import "sync"

// Ring is a fixed-capacity FIFO buffer. Once full, each write overwrites
// the oldest entry.
type Ring[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	head     int // index where the next write goes
}

// NewRing creates a ring holding at most capacity entries
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Write appends v, evicting the oldest entry when full
func (r *Ring[T]) Write(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, v)
	} else {
		r.entries[r.head] = v
	}
	r.head = (r.head + 1) % r.capacity
}

// Snapshot returns a copy of the contents, oldest first
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.entries))
	if len(r.entries) < r.capacity {
		return append(out, r.entries...)
	}
	out = append(out, r.entries[r.head:]...)
	return append(out, r.entries[:r.head]...)
}

// Len returns the number of entries held
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cap returns the ring capacity
func (r *Ring[T]) Cap() int { return r.capacity }

// Reset drops all entries
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.head = 0
}
