// Package cache provides a single time-boxed cache used by the read paths
// (tiles, nearby, venue candidates). Entries live for a fixed TTL and are
// evicted lazily on read plus on explicit Evict calls.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map with per-entry expiry.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries expire ttl after Set.
func New[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock[V any](ttl time.Duration, now func() time.Time) *TTL[V] {
	c := New[V](ttl)
	c.now = now
	return c
}

// Get returns the cached value if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.Evict(key)
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Evict drops a single key.
func (c *TTL[V]) Evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *TTL[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of entries, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
