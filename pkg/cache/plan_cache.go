// Package cache provides compiled-statement caching for NervusDB.
//
// Compiling a Cypher statement (lex, parse, scope checks, aggregate
// extraction) is pure, so identical query text always yields an equivalent
// plan and the compiled form can be reused across calls and connections.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for stale plans
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	plans := cache.NewPlanCache[*cypher.Statement](512, 0)
//
//	if stmt, ok := plans.Get(text); ok {
//		return stmt // Cache hit
//	}
//	stmt, err := cypher.Compile(text)
//	if err == nil {
//		plans.Put(text, stmt)
//	}
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PlanCache is a thread-safe LRU cache keyed by query text.
//
// Entries are bucketed by the xxhash of the text and confirmed by comparing
// the full text, so a hash collision is a miss, never a wrong plan.
type PlanCache[V any] struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration

	list  *list.List
	items map[uint64]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry[V any] struct {
	key       uint64
	text      string
	value     V
	expiresAt time.Time
}

// NewPlanCache creates a cache holding at most maxSize plans.
// A ttl of 0 disables expiration; maxSize <= 0 uses 1000.
func NewPlanCache[V any](maxSize int, ttl time.Duration) *PlanCache[V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &PlanCache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key returns the hash used to bucket text.
func Key(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Get returns the cached plan for text if present and not expired.
func (c *PlanCache[V]) Get(text string) (V, bool) {
	var zero V
	key := Key(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	entry := elem.Value.(*cacheEntry[V])
	if entry.text != text {
		c.misses.Add(1)
		return zero, false
	}
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return zero, false
	}

	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Put stores a plan, evicting the least recently used entry when full.
func (c *PlanCache[V]) Put(text string, value V) {
	key := Key(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry[V])
		entry.text = text
		entry.value = value
		entry.expiresAt = c.expiry()
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}

	entry := &cacheEntry[V]{key: key, text: text, value: value, expiresAt: c.expiry()}
	c.items[key] = c.list.PushFront(entry)
}

func (c *PlanCache[V]) expiry() time.Time {
	if c.ttl > 0 {
		return time.Now().Add(c.ttl)
	}
	return time.Time{}
}

// Clear removes all entries.
func (c *PlanCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *PlanCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// Stats returns cache statistics.
func (c *PlanCache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *PlanCache[V]) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry[V]).key)
}
