// Package cache is a small typed TTL cache for auxiliary processor lookups
// (payout destination accounts). Entries are validated on every read; an entry
// that no longer passes validation is discarded so the caller refetches instead
// of acting on a corrupt value.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val       V
	expiresAt time.Time
}

type Cache[V any] struct {
	mu       sync.RWMutex
	items    map[string]entry[V]
	ttl      time.Duration
	validate func(V) bool
	now      func() time.Time
}

// New builds a cache with the given entry lifetime. validate may be nil, in
// which case every cached value is trusted.
func New[V any](ttl time.Duration, validate func(V) bool) *Cache[V] {
	return &Cache[V]{
		items:    make(map[string]entry[V]),
		ttl:      ttl,
		validate: validate,
		now:      time.Now,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) || (c.validate != nil && !c.validate(e.val)) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return zero, false
	}
	return e.val, true
}

func (c *Cache[V]) Set(key string, val V) {
	c.mu.Lock()
	c.items[key] = entry[V]{val: val, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
