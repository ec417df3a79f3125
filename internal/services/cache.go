package services

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is a thread-safe map whose entries expire a fixed TTL after they are
// written. Each owner creates its own instance.
type Cache[K comparable, V any] struct {
	ttl   time.Duration
	items *ttlcache.Cache[K, V]
}

// NewCache creates a cache with the given TTL. A non-positive TTL disables caching.
func NewCache[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl: ttl,
		items: ttlcache.New[K, V](
			ttlcache.WithTTL[K, V](ttl),
			ttlcache.WithDisableTouchOnHit[K, V](),
		),
	}
}

// Get returns the live value for key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under key and drops expired entries.
func (c *Cache[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.items.DeleteExpired()
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.items.Delete(key)
}

// Len returns the number of stored entries, including expired ones not yet dropped.
func (c *Cache[K, V]) Len() int {
	return c.items.Len()
}
