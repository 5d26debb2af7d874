// Package cache provides response caching for the gateway.
//
// Two backends are available:
//   - MemoryCache — in-process, bounded, insertion-order eviction.
//     The default for single-instance deployments.
//   - ExactCache  — Redis-backed, for multi-replica deployments where all
//     replicas must share one cache.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 1000

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a bounded in-process cache with per-entry TTL.
//
// Expiry is write-time based: Get never extends an entry's lifetime. When the
// cache is full, the oldest-inserted entry is evicted — insertion order, not
// LRU, because pressure here comes from bursts of similar prompts rather than
// long-tail popularity, and insertion-order eviction keeps the read path free
// of bookkeeping.
//
// Expired entries are dropped lazily on access and in bulk by Sweep, which
// the periodic scheduler calls off the request path.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem

	// order is the insertion-order eviction queue. It may contain keys whose
	// entries were already deleted; queued tracks membership so a key never
	// occupies more than one slot, even across delete-and-reinsert cycles.
	order      []string
	queued     map[string]struct{}
	maxEntries int
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries entries.
// A non-positive maxEntries uses the default (1000).
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryCache{
		items:      make(map[string]memItem),
		queued:     make(map[string]struct{}),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl. A zero or negative ttl
// is treated as a 1-hour TTL.
//
// Overwriting an existing key refreshes its value and expiry but keeps its
// position in the eviction order; the same rule applies to a key re-inserted
// while its old queue slot is still pending. Inserting into a full cache
// evicts the oldest-inserted entry first.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	item := memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}

	if _, exists := c.items[key]; exists {
		c.items[key] = item
		return nil
	}

	if len(c.items) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.items[key] = item
	if _, ok := c.queued[key]; !ok {
		c.order = append(c.order, key)
		c.queued[key] = struct{}{}
	}
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Sweep removes all expired entries and returns how many were dropped.
// Invoked by the periodic scheduler, never by request handlers.
func (c *MemoryCache) Sweep() int {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	c.compactOrderLocked()
	c.mu.Unlock()

	return removed
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictOldestLocked removes the oldest still-present entry. Entries in the
// order queue that were already deleted (by Delete, Sweep, or lazy expiry)
// are skipped and dropped from the queue. Caller holds c.mu.
func (c *MemoryCache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.queued, oldest)
		if _, ok := c.items[oldest]; ok {
			delete(c.items, oldest)
			return
		}
	}
}

// compactOrderLocked drops queue entries whose keys no longer exist, keeping
// the queue from growing past the live map after heavy sweeping.
// Caller holds c.mu.
func (c *MemoryCache) compactOrderLocked() {
	if len(c.order) <= len(c.items) {
		return
	}
	compacted := c.order[:0]
	for _, k := range c.order {
		if _, ok := c.items[k]; ok {
			compacted = append(compacted, k)
		} else {
			delete(c.queued, k)
		}
	}
	c.order = compacted
}
