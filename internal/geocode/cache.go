// Package geocode implements the reverse-geocoding pipeline: a quantized
// coordinate cache, a serial rate limiter, and a client that layers
// cache, coalescing, throttle retry, and the provider call.
package geocode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

// Cache defaults.
const (
	DefaultCacheTTL       = 7 * 24 * time.Hour
	DefaultSweepThreshold = 10000
)

// Cache maps quantized coordinates to previously resolved address facets.
// Entries expire after a TTL and are reaped lazily: when the cache grows
// past a size threshold, the next Put sweeps out expired entries. There is
// no LRU; unexpired entries are never evicted.
type Cache struct {
	mu             sync.RWMutex
	entries        map[string]cacheEntry
	ttl            time.Duration
	sweepThreshold int
	now            func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64
}

type cacheEntry struct {
	facets     model.AddressFacets
	resolvedAt time.Time
}

// CacheStats contains cache performance counters.
type CacheStats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Evicted int64   `json:"evicted"`
	HitRate float64 `json:"hit_rate"`
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheTTL overrides the entry time-to-live.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithSweepThreshold overrides the size at which Put sweeps expired
// entries.
func WithSweepThreshold(n int) CacheOption {
	return func(c *Cache) {
		c.sweepThreshold = n
	}
}

// WithNowFunc injects the clock, for expiry tests.
func WithNowFunc(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty cache with a 7 day TTL and a sweep threshold
// of 10000 entries.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries:        make(map[string]cacheEntry),
		ttl:            DefaultCacheTTL,
		sweepThreshold: DefaultSweepThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the facets cached for p's quantized key. Expired entries are
// treated as absent; they are removed by the next sweep, not here. A miss
// is a normal outcome, not an error.
func (c *Cache) Get(p geo.Point) (model.AddressFacets, bool) {
	key := p.Quantize()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(entry.resolvedAt) > c.ttl {
		c.misses.Add(1)
		return model.AddressFacets{}, false
	}
	c.hits.Add(1)
	return entry.facets, true
}

// Put stores facets under p's quantized key, replacing any prior entry for
// the same key. When the cache has grown past the sweep threshold, expired
// entries are scanned out before inserting.
func (c *Cache) Put(p geo.Point, facets model.AddressFacets) {
	key := p.Quantize()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > c.sweepThreshold {
		c.sweepLocked(now)
	}
	c.entries[key] = cacheEntry{facets: facets, resolvedAt: now}
}

// sweepLocked removes expired entries. Callers hold the write lock.
func (c *Cache) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.resolvedAt) > c.ttl {
			delete(c.entries, key)
			c.evicted.Add(1)
		}
	}
}

// Len returns the current entry count, expired entries included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache performance counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries: entries,
		Hits:    hits,
		Misses:  misses,
		Evicted: c.evicted.Load(),
		HitRate: hitRate,
	}
}
