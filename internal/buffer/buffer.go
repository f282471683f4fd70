// Package buffer provides a ring buffer whose retention is governed
// by cumulative duration rather than item count.
package buffer

import (
	"sync"
	"time"
)

// Timed is anything with a playback duration.
type Timed interface {
	Duration() time.Duration
}

// Ring holds an ordered sequence of timed items (oldest first) and
// evicts from the head whenever the total buffered duration exceeds
// the budget. It never evicts below one remaining item, even when a
// single item alone exceeds the budget.
type Ring[T Timed] struct {
	mu     sync.Mutex
	items  []T
	budget time.Duration
	total  time.Duration
}

// NewRing creates a ring with the given duration budget.
func NewRing[T Timed](budget time.Duration) *Ring[T] {
	return &Ring[T]{budget: budget}
}

// Append adds an item at the tail and evicts from the head until the
// buffer fits the budget again.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, item)
	r.total += item.Duration()
	r.evictLocked()
}

// SnapshotLast returns, in original order, the minimal suffix whose
// cumulative duration is at least d, or the whole buffer if it holds
// less than d. The returned slice is a copy and safe to hold across
// further mutation.
func (r *Ring[T]) SnapshotLast(d time.Duration) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := len(r.items)
	var acc time.Duration
	for start > 0 && acc < d {
		start--
		acc += r.items[start].Duration()
	}

	out := make([]T, len(r.items)-start)
	copy(out, r.items[start:])
	return out
}

// Clear empties the buffer.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.total = 0
}

// SetBudget changes the duration budget and re-applies eviction
// immediately.
func (r *Ring[T]) SetBudget(budget time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budget = budget
	r.evictLocked()
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// BufferedDuration returns the total duration currently held.
func (r *Ring[T]) BufferedDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Ring[T]) evictLocked() {
	drop := 0
	for r.total > r.budget && len(r.items)-drop > 1 {
		r.total -= r.items[drop].Duration()
		drop++
	}
	if drop > 0 {
		// Shift instead of re-slicing so evicted items are released
		// to the GC and the backing array does not grow unbounded.
		n := copy(r.items, r.items[drop:])
		var zero T
		for i := n; i < len(r.items); i++ {
			r.items[i] = zero
		}
		r.items = r.items[:n]
	}
}
