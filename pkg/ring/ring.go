// Package ring provides a generic, thread-safe bounded ring buffer with
// configurable overflow policies.
//
// The synchronizer uses it to hold events that arrive before the snapshot
// lands; transports use it for per-client pending queues. Drops are counted
// so callers can surface data loss instead of hiding it.
package ring

import (
	"errors"
	"sync"
)

// Policy defines how the ring behaves when it reaches capacity.
type Policy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest Policy = iota

	// DropNewest rejects new items when the ring is full.
	DropNewest
)

// String returns a human-readable representation of the policy.
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ErrInvalidCapacity is returned when a ring is created with capacity < 1.
var ErrInvalidCapacity = errors.New("ring capacity must be at least 1")

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithPolicy sets the overflow policy. Default is DropOldest.
func WithPolicy[T any](p Policy) Option[T] {
	return func(r *Ring[T]) {
		r.policy = p
	}
}

// WithDropCallback registers a callback invoked with each dropped item.
// The callback runs while the ring lock is held; keep it cheap.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(r *Ring[T]) {
		r.onDrop = fn
	}
}

// Ring is a fixed-capacity FIFO buffer.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	policy  Policy
	dropped uint64
	onDrop  func(T)
}

// New creates a ring with the given capacity.
func New[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	r := &Ring[T]{
		items:  make([]T, capacity),
		policy: DropOldest,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Push adds an item. It reports whether the item was stored: under
// DropNewest a push against a full ring returns false; under DropOldest the
// push always succeeds and the displaced item counts as dropped.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = item
		r.size++
		return true
	}

	switch r.policy {
	case DropNewest:
		r.dropped++
		if r.onDrop != nil {
			r.onDrop(item)
		}
		return false
	default: // DropOldest
		oldest := r.items[r.head]
		r.items[r.head] = item
		r.head = (r.head + 1) % len(r.items)
		r.dropped++
		if r.onDrop != nil {
			r.onDrop(oldest)
		}
		return true
	}
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Drain removes and returns all buffered items in FIFO order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	out := make([]T, 0, r.size)
	var zero T
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % len(r.items)
		out = append(out, r.items[idx])
		r.items[idx] = zero
	}
	r.head = 0
	r.size = 0
	return out
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Dropped returns the total number of items dropped since creation.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes all buffered items without touching the drop counter.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := 0; i < r.size; i++ {
		r.items[(r.head+i)%len(r.items)] = zero
	}
	r.head = 0
	r.size = 0
}
