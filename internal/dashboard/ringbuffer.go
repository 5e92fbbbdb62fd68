package dashboard

import "sync"

const recentDecisions = 1000

// Ring keeps the last N values pushed into it. Safe for concurrent use.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	full bool
}

// NewRing returns a ring holding at most size values.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = recentDecisions
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Push stores v, evicting the oldest value once the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Len reports how many values are held.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

func (r *Ring[T]) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns the held values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Recent(0, nil)
}

// Recent returns up to n of the newest values accepted by keep, oldest
// first. n <= 0 means no limit; a nil keep accepts everything.
func (r *Ring[T]) Recent(n int, keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	// walk newest to oldest, then flip
	for i := 1; i <= size && len(out) < n; i++ {
		v := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
