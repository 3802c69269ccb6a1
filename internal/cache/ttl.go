// Package cache provides a small TTL cache with an injectable clock.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[K]entry[V]

	// Now is the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		Now:     time.Now,
	}
}

// Get returns the cached value for key if it has not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores val under key for the cache's TTL.
func (c *TTL[K, V]) Set(key K, val V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{val: val, expiresAt: c.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
