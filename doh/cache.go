package doh

import (
	"time"

	"github.com/maypok86/otter"
)

// cacheEntry is what's stored per normalized query: the raw DoH response
// bytes plus an absolute expiry, read lazily at Get time (no background
// sweep).
type cacheEntry struct {
	response []byte
	expires  time.Time
}

// Cache is the DNS answer cache keyed on the raw, ID-normalized DoH query
// bytes, bounded to a fixed entry count with otter handling LRU-within-TTL
// eviction once that cap is hit. A Cache built with capacity 0 is always
// empty and never stores anything, matching the "no DoH configured"
// disabled state.
type Cache struct {
	cache    otter.Cache[string, cacheEntry]
	disabled bool
}

// NewCache builds a Cache bounded to capacity entries. capacity <= 0
// disables the cache entirely.
func NewCache(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return &Cache{disabled: true}, nil
	}
	c, err := otter.MustBuilder[string, cacheEntry](capacity).
		Cost(func(_ string, _ cacheEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c}, nil
}

// Get returns the cached response for key if present and not past its TTL.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c.disabled {
		return nil, false
	}
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		c.cache.Delete(key)
		return nil, false
	}
	return entry.response, true
}

// Set inserts response under key with the given TTL.
func (c *Cache) Set(key string, response []byte, ttl time.Duration) {
	if c.disabled {
		return
	}
	c.cache.Set(key, cacheEntry{response: response, expires: time.Now().Add(ttl)})
}
