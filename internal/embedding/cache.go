package embedding

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache maps a normalized text key to a previously computed vector.
// A cache is purely an optimization: a miss (or a broken backend reporting
// misses) costs a provider call, never correctness.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Put(ctx context.Context, key string, vector []float32)
}

type lruEntry struct {
	key       string
	vector    []float32
	createdAt time.Time
}

// LRUCache is a size- and optionally age-bounded in-process cache with
// least-recently-used eviction. Entries are immutable once written; Put
// replaces the whole entry in one step under the lock.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration // 0 disables expiry
	order    *list.List    // front = most recently used
	entries  map[string]*list.Element
	now      func() time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
// A non-zero ttl additionally expires entries by age.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the cached vector for key, if present and unexpired.
func (c *LRUCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.vector, true
}

// Put stores the vector under key, evicting the least-recently-used entry
// when over capacity. Last writer wins for concurrent puts of the same key.
func (c *LRUCache) Put(_ context.Context, key string, vector []float32) {
	stored := make([]float32, len(vector))
	copy(stored, vector)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &lruEntry{key: key, vector: stored, createdAt: c.now()}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(entry)

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

// Len returns the number of live entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
