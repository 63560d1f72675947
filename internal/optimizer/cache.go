package optimizer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheTTL is the intelligent-caching entry lifetime, per spec.md §4.8.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache is an LRU-bounded result cache with a fixed TTL per entry,
// grounded on hashicorp/golang-lru's generic Cache.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, cacheEntry]
	hits  int64
	miss  int64
}

// NewCache constructs a cache holding at most size entries.
func NewCache(size int) (*Cache, error) {
	inner, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.inner.Get(key)
	if !ok {
		c.miss++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.inner.Remove(key)
		c.miss++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

// Put stores value under key with the standard TTL.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, cacheEntry{value: value, expiresAt: time.Now().Add(cacheTTL)})
}

// HitRate returns hits/(hits+misses), or 0 with no lookups yet.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.miss
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
