// ABOUTME: Thread-safe bounded LRU cache with optional TTL and first-write-wins inserts.
// ABOUTME: Backs source event deduplication and the source-to-relayed message id map.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	key       string
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a size-limited map from string keys to values. Once a key is
// stored its value is never replaced until the entry is evicted or expires.
// A zero ttl disables expiry.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // least recently used at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache holding at most maxSize entries. When ttl is positive
// a background goroutine removes expired entries every minute.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanup()
	}
	return c
}

func (c *Cache[V]) expired(e *cacheEntry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.timestamp) >= c.ttl
}

// Get returns the value for key and marks it recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.expired(e, time.Now()) {
		c.removeLocked(e)
		return zero, false
	}
	c.order.MoveToBack(e.element)
	return e.value, true
}

// PutIfAbsent stores value under key unless a live entry exists. It returns
// the value now held for key and whether this call stored it.
func (c *Cache[V]) PutIfAbsent(key string, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		if !c.expired(e, now) {
			c.order.MoveToBack(e.element)
			return e.value, false
		}
		c.removeLocked(e)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &cacheEntry[V]{key: key, value: value, timestamp: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return value, true
}

// CheckAndMark reports whether key was already present and marks it if not.
func (c *Cache[V]) CheckAndMark(key string) bool {
	var zero V
	_, stored := c.PutIfAbsent(key, zero)
	return !stored
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(*cacheEntry[V]))
}

func (c *Cache[V]) removeLocked(e *cacheEntry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, e := range c.entries {
		if c.expired(e, now) {
			c.removeLocked(e)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
