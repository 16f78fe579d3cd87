// Package ringcache is the last-writer-wins backing store for the cache
// output channel (SPEC_FULL §4.4). Adapted from the teacher's
// internal/data/cache/ttl.go TTLCache, trimmed to the single Set/Get/Stats
// surface the cache channel actually exercises and generalized to hold
// *marketdata.MarketData rather than interface{} grab-bag values.
package ringcache

import (
	"sync"
	"time"

	"github.com/sawpanic/cryptorun/internal/marketdata"
)

type entry struct {
	record   *marketdata.MarketData
	expires  time.Time
	accessed time.Time
}

// Stats reports cache hit/miss/eviction counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Cache is a TTL-bounded, size-bounded, last-writer-wins store keyed by
// marketdata.MarketData.CacheKey().
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
	ttl        time.Duration
	stats      Stats
}

// New constructs a Cache with the given capacity and retention TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{entries: make(map[string]*entry), maxEntries: maxEntries, ttl: ttl}
}

// Set writes rec at key, overwriting any existing value (last-writer-wins).
func (c *Cache) Set(key string, rec *marketdata.MarketData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &entry{record: rec, expires: time.Now().Add(c.ttl), accessed: time.Now()}
}

// Get retrieves the record at key if present and unexpired.
func (c *Cache) Get(key string) (*marketdata.MarketData, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	e.accessed = time.Now()
	c.stats.Hits++
	c.mu.Unlock()
	return e.record, true
}

// evictOldest drops the least-recently-accessed entry. Caller must hold the
// write lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.accessed.Before(oldestAt) {
			oldestKey, oldestAt = k, e.accessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}
