// Package window provides a fixed-capacity, most-recent-last history buffer.
//
// A Window never holds more than its capacity: pushing into a full window
// overwrites the oldest slot in the same call, so callers never observe an
// over-full buffer. Storage is allocated once at construction.
package window

import "fmt"

// Window is a ring buffer of the last Cap() pushed items. It is not safe for
// concurrent use; each evaluator owns its own.
type Window[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// New allocates a window holding at most capacity items.
func New[T any](capacity int) (*Window[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", capacity)
	}
	return &Window[T]{items: make([]T, capacity)}, nil
}

// Push appends v as the newest item, evicting the oldest one when full.
func (w *Window[T]) Push(v T) {
	capacity := len(w.items)
	if w.size < capacity {
		w.items[(w.head+w.size)%capacity] = v
		w.size++
		return
	}
	w.items[w.head] = v
	w.head = (w.head + 1) % capacity
}

// Len reports how many items are held.
func (w *Window[T]) Len() int { return w.size }

// Cap reports the maximum number of items.
func (w *Window[T]) Cap() int { return len(w.items) }

// Full reports whether the window holds Cap() items.
func (w *Window[T]) Full() bool { return w.size == len(w.items) }

// Oldest returns the least recently pushed item still held.
func (w *Window[T]) Oldest() (T, bool) {
	var zero T
	if w.size == 0 {
		return zero, false
	}
	return w.items[w.head], true
}

// Newest returns the most recently pushed item.
func (w *Window[T]) Newest() (T, bool) {
	var zero T
	if w.size == 0 {
		return zero, false
	}
	return w.items[(w.head+w.size-1)%len(w.items)], true
}

// Snapshot copies the held items, oldest first.
func (w *Window[T]) Snapshot() []T {
	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.items[(w.head+i)%len(w.items)]
	}
	return out
}
