package goentitle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheTTL        = 30 * time.Second
	defaultCacheMaxRecords = 10000
)

// Cache holds recently read records for the access gate path.
type Cache interface {
	// Get returns a copy of the cached record.
	Get(userID string) (*Record, bool)

	// Set caches rec unless a newer version is already cached.
	Set(rec *Record)

	// Invalidate drops the record for userID.
	Invalidate(userID string)

	// Clear drops everything.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// NoopCache caches nothing.
type NoopCache struct{}

// NewNoopCache creates a cache that never stores anything.
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(string) (*Record, bool) { return nil, false }
func (c *NoopCache) Set(*Record)                {}
func (c *NoopCache) Invalidate(string)          {}
func (c *NoopCache) Clear()                     {}
func (c *NoopCache) Stats() CacheStats          { return CacheStats{} }

// LRUCache is a size bounded cache whose entries expire after a TTL.
type LRUCache struct {
	// serializes Set so the version comparison and the write are one step
	mu      sync.Mutex
	records *expirable.LRU[string, *Record]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRUCache creates a cache holding up to maxRecords records for ttl each.
func NewLRUCache(maxRecords int, ttl time.Duration) *LRUCache {
	if maxRecords <= 0 {
		maxRecords = defaultCacheMaxRecords
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &LRUCache{
		records: expirable.NewLRU[string, *Record](maxRecords, nil, ttl),
	}
}

func (c *LRUCache) Get(userID string) (*Record, bool) {
	rec, ok := c.records.Get(userID)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return rec.Clone(), true
}

func (c *LRUCache) Set(rec *Record) {
	if rec == nil || rec.UserID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.records.Peek(rec.UserID); ok && cur.Version > rec.Version {
		return
	}
	c.records.Add(rec.UserID, rec.Clone())
}

func (c *LRUCache) Invalidate(userID string) {
	c.records.Remove(userID)
}

func (c *LRUCache) Clear() {
	c.records.Purge()
}

func (c *LRUCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.records.Len(),
	}
}
