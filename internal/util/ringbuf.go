package util

import "sync"

// RingBuffer keeps the last N values pushed. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int  // slot the next Push writes
	full bool // every slot holds a value
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns every stored value, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Last(0)
}

// Last returns up to n of the newest values, oldest first. n <= 0 means all.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.lenLocked()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *RingBuffer[T]) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}
