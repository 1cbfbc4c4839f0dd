package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// Cache provides a simple in-memory cache with expiration.
// Expired entries are never returned and are removed by Prune.
type Cache[V any] struct {
	data map[string]entry[V]
	ttl  time.Duration
	now  func() time.Time
	mu   sync.RWMutex
}

// NewCache creates a new cache with the specified TTL
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		data: make(map[string]entry[V]),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Get retrieves a value from the cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.data[key]
	if !exists || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores a value in the cache
func (c *Cache[V]) Set(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry[V]{val: val, expires: c.now().Add(c.ttl)}
}

// Delete removes key
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Prune drops expired entries and returns how many were removed
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.data {
		if !now.Before(e.expires) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// Clear empties the cache
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
}

// Len returns the number of stored entries, including expired ones not yet pruned
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
