// Package cache provides a generic, thread-safe cache combining TTL expiry
// with LRU eviction.
//
// The query engine uses it for result caching: entries expire after a short
// TTL (bounded staleness for dashboard reads) and the LRU bound keeps memory
// flat under diverse query workloads.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded key/value cache. A zero TTL disables expiry; a zero or
// negative maxEntries disables the LRU bound.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	hits       uint64
	misses     uint64
	evictions  uint64

	// now is swappable for tests.
	now func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero = never
}

// New creates a cache with the given LRU bound and TTL.
func New[V any](maxEntries int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached value and whether it was present and fresh.
// Expired entries are removed on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	ent := elem.Value.(*entry[V])
	if !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

// Set stores a value, refreshing TTL and recency. When the LRU bound is
// exceeded the least recently used entry is evicted.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = elem

	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions++
		}
	}
}

// Delete removes a key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports hits, misses, and evictions since creation.
func (c *Cache[V]) Stats() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

// removeElement must be called with the lock held.
func (c *Cache[V]) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry[V])
	delete(c.entries, ent.key)
	c.order.Remove(elem)
}
