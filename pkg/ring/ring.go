// Package ring provides a fixed-capacity FIFO buffer that evicts the
// oldest element on overflow.
package ring

import "sync"

type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}

	return &Buffer[T]{items: make([]T, capacity)}
}

// Append adds an item, evicting the oldest one when the buffer is full.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = item
		b.size++

		return
	}

	b.items[b.start] = item
	b.start = (b.start + 1) % len(b.items)
}

// Snapshot returns the buffered items oldest first. The returned slice is
// a copy and safe to hold after further appends.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	for i := range b.size {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}

	return out
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}
