// Package cache provides the bounded TTL result cache for successful calls.
//
// Entries are keyed by (service, operation, args fingerprint) and stored in
// an LRU bounded by max entries. Expiry is lazy: expired entries are removed
// by the next Get or Set that touches them, and a full cache purges expired
// entries before inserting so eviction always lands on the least recently
// used still-valid entry. There is no sweep goroutine; a bounded cache is
// self-limiting.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/finchworks/egress/internal/fingerprint"
)

// entry is one cached result. The value is immutable once stored; the cache
// replaces whole entries, never mutates them.
type entry struct {
	service   string
	operation string
	value     interface{}
	storedAt  time.Time
	ttl       time.Duration
	hitCount  int
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// Cache is a bounded TTL cache of successful call results.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	max    int
	hits   uint64
	misses uint64
	clock  func() time.Time
}

// New creates a cache bounded at maxEntries.
func New(maxEntries int) (*Cache, error) {
	l, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, max: maxEntries, clock: time.Now}, nil
}

// Get returns the cached value and its age for a call identity.
func (c *Cache) Get(service, operation, fp string) (interface{}, time.Duration, bool) {
	key := fingerprint.Key(service, operation, fp)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, 0, false
	}

	age := c.clock().Sub(e.storedAt)
	if age > e.ttl {
		c.lru.Remove(key)
		c.misses++
		return nil, 0, false
	}

	e.hitCount++
	c.hits++
	return e.value, age, true
}

// Set stores a successful result. Failures must never be cached; that
// discipline lives in the caller, which only invokes Set on success.
func (c *Cache) Set(service, operation, fp string, value interface{}, ttl time.Duration) {
	// A non-positive TTL disables caching for the call.
	if ttl <= 0 {
		return
	}

	key := fingerprint.Key(service, operation, fp)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Make room by dropping expired entries first, so the LRU eviction
	// below only ever claims a valid entry.
	if c.lru.Len() >= c.max && !c.lru.Contains(key) {
		c.purgeExpired()
	}

	c.lru.Add(key, &entry{
		service:   service,
		operation: operation,
		value:     value,
		storedAt:  c.clock(),
		ttl:       ttl,
	})
}

// InvalidateKey drops one exact entry.
func (c *Cache) InvalidateKey(service, operation, fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(fingerprint.Key(service, operation, fp))
}

// Invalidate drops every entry for a service, optionally narrowed to one
// operation. Used when the caller knows data changed out-of-band.
func (c *Cache) Invalidate(service string, operation ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var op string
	if len(operation) > 0 {
		op = operation[0]
	}

	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if e.service != service {
			continue
		}
		if op != "" && e.operation != op {
			continue
		}
		c.lru.Remove(key)
	}
}

// Stats returns hit/miss counters and current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: c.lru.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// purgeExpired removes expired entries. Caller must hold c.mu.
func (c *Cache) purgeExpired() {
	now := c.clock()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.storedAt) > e.ttl {
			c.lru.Remove(key)
		}
	}
}
