package decision

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
)

// PriceBracketLakh is the fixed bracket width for cache keys. Keying on the
// bracket instead of the exact bid lets two near-identical situations share
// a verdict.
const PriceBracketLakh int64 = 25

// CacheKey builds the composite key: player, price bracket, auction phase,
// and a coarse budget-sufficiency flag.
func CacheKey(playerID int64, currentBidLakh int64, phase squad.Phase, budgetOK bool) string {
	bracket := currentBidLakh / PriceBracketLakh
	return fmt.Sprintf("%d|%d|%s|%t", playerID, bracket, phase, budgetOK)
}

type cacheEntry struct {
	verdict Verdict
	created time.Time
}

// Cache is the engine-owned short-TTL verdict cache. Entries expire after
// the TTL and the oldest-inserted entry is evicted once maxSize is exceeded.
// Only the owning engine writes; snapshots are read-only.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string // insertion order for size eviction
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewCache creates a cache with the given TTL and size cap.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached verdict if present and younger than the TTL.
func (c *Cache) Get(key string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Verdict{}, false
	}
	if c.now().Sub(e.created) >= c.ttl {
		// Expired; leave removal to Put's eviction sweep.
		return Verdict{}, false
	}
	return e.verdict, true
}

// Put stores a verdict, evicting the oldest-inserted entry when full.
func (c *Cache) Put(key string, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = cacheEntry{verdict: v, created: c.now()}
		return
	}

	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = cacheEntry{verdict: v, created: c.now()}
	c.order = append(c.order, key)
}

// Len returns the number of stored entries (including expired ones not yet
// swept).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
