// Package buffer provides a generic fixed-capacity rolling window. Once
// full, each append evicts the oldest entry, so the window always holds
// the most recent N values. The zero Window is unusable; construct with
// NewWindow. Not safe for concurrent use.
package buffer

// Window is a ring over the most recent values of type T.
type Window[T any] struct {
	items    []T
	capacity int
	head     int
	size     int
}

// NewWindow creates a window holding up to capacity values. Capacity
// below 1 is raised to 1.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds a value. When the window is full the oldest value is
// evicted and returned with ok=true.
func (w *Window[T]) Append(value T) (evicted T, ok bool) {
	tail := (w.head + w.size) % w.capacity
	if w.size == w.capacity {
		evicted = w.items[w.head]
		ok = true
		w.items[tail] = value
		w.head = (w.head + 1) % w.capacity
		return evicted, ok
	}
	w.items[tail] = value
	w.size++
	return evicted, false
}

// Len returns the number of values currently held.
func (w *Window[T]) Len() int {
	return w.size
}

// Cap returns the window capacity.
func (w *Window[T]) Cap() int {
	return w.capacity
}

// Values returns the held values, oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, 0, w.size)
	for i := 0; i < w.size; i++ {
		out = append(out, w.items[(w.head+i)%w.capacity])
	}
	return out
}

// Clear empties the window.
func (w *Window[T]) Clear() {
	var zero T
	for i := range w.items {
		w.items[i] = zero
	}
	w.head = 0
	w.size = 0
}
