package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	operator   *Operator
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheResult holds the result of a cache lookup.
type CacheResult struct {
	Operator     *Operator
	Hit          bool
	NeedsRefresh bool // stale; exactly one caller sees true until the next Set
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking cache lookup.
func (c *Cache) Get(apiKey string) CacheResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return CacheResult{}
	}

	entry := val.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		return CacheResult{Operator: entry.operator, Hit: true}
	}

	return CacheResult{
		Operator:     entry.operator,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores an operator with a fresh TTL.
func (c *Cache) Set(apiKey string, op *Operator) {
	c.store.Store(apiKey, &cacheEntry{
		operator:  op,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
