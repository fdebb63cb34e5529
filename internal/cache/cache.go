// Package cache provides a bounded LRU with per-entry expiry.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/23skdu/canopy/internal/metrics"
)

type entry[T any] struct {
	key       uint64
	value     T
	expiresAt time.Time
}

// Cache maps 64-bit keys to values. Entries expire ttl after their last Put and
// the least recently used entry is evicted once capacity is exceeded.
type Cache[T any] struct {
	name     string
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	items map[uint64]*list.Element
	lru   *list.List
}

// New creates a cache labelled name in metrics. A ttl of 0 never expires.
func New[T any](name string, capacity int, ttl time.Duration) *Cache[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[T]{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// HashKey hashes parts with FNV-1a, separating them so ("ab","c") != ("a","bc").
func HashKey(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Get returns the live value for key and marks it recently used.
func (c *Cache[T]) Get(key uint64) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	elem, ok := c.items[key]
	if !ok {
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return zero, false
	}
	e := elem.Value.(*entry[T])
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.removeLocked(elem)
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return zero, false
	}
	c.lru.MoveToFront(elem)
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Put stores value under key.
func (c *Cache[T]) Put(key uint64, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[T])
		e.value = value
		e.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return
	}

	c.items[key] = c.lru.PushFront(&entry[T]{key: key, value: value, expiresAt: expiresAt})
	for c.lru.Len() > c.capacity {
		c.removeLocked(c.lru.Back())
		metrics.CacheEvictionsTotal.WithLabelValues(c.name).Inc()
	}
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

// Len returns the number of entries, expired ones included until touched.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear purges the cache
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.items = make(map[uint64]*list.Element)
	metrics.CacheSize.WithLabelValues(c.name).Set(0)
}

func (c *Cache[T]) removeLocked(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*entry[T]).key)
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}
