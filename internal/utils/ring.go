package utils

import "sync"

// Ring is a fixed-capacity history that evicts its oldest entry once full.
// It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	cap   int
}

// NewRing creates a ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{cap: capacity, items: make([]T, 0, capacity)}
}

// Push appends v, dropping the oldest entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(v)
}

func (r *Ring[T]) push(v T) {
	if len(r.items) == r.cap {
		copy(r.items[0:], r.items[1:])
		r.items = r.items[:r.cap-1]
	}
	r.items = append(r.items, v)
}

// Replace swaps the newest entry matching match for v. It reports whether one was found.
func (r *Ring[T]) Replace(match func(T) bool, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		if match(r.items[i]) {
			r.items[i] = v
			return true
		}
	}
	return false
}

// Items returns a copy of the entries, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]T(nil), r.items...)
}

// Last returns the newest entry.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return r.cap }

// Reset replaces the contents with items, keeping only the newest entries that fit.
func (r *Ring[T]) Reset(items []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = r.items[:0]
	if len(items) > r.cap {
		items = items[len(items)-r.cap:]
	}
	for _, v := range items {
		r.push(v)
	}
}
