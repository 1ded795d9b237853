// ABOUTME: Thread-safe, TTL-bounded, size-limited set of recently seen keys.
// ABOUTME: Tracks finished command ids so late agent frames can be recognised.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired keys are purged in the background.
const DefaultCleanupInterval = time.Minute

type entry[K comparable] struct {
	key    K
	marked time.Time
}

// Cache is a set of keys that forgets each key ttl after it was last marked.
// When full, the least recently marked key is evicted.
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background cleanup goroutine.
// Call Close to stop it.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	c := &Cache[K]{
		index:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop(DefaultCleanupInterval)
	return c
}

// Seen reports whether key was marked within the last ttl.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry[K]).marked) < c.ttl
}

// Mark records key as seen now, refreshing it if already present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry[K]).marked = now
		c.order.MoveToBack(el)
		return
	}

	for c.maxSize > 0 && len(c.index) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.index[key] = c.order.PushBack(&entry[K]{key: key, marked: now})
}

// MarkIfNew marks key and reports whether it was not already seen.
func (c *Cache[K]) MarkIfNew(key K) bool {
	c.mu.Lock()
	el, ok := c.index[key]
	fresh := !ok || c.now().Sub(el.Value.(*entry[K]).marked) >= c.ttl
	c.mu.Unlock()

	c.Mark(key)
	return fresh
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache[K]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry[K]).key)
}

// purge drops every expired key. Entries are ordered by mark time, so it stops
// at the first live one.
func (c *Cache[K]) purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry[K])
		if now.Sub(e.marked) < c.ttl {
			break
		}
		c.order.Remove(el)
		delete(c.index, e.key)
		removed++
	}
	return removed
}

func (c *Cache[K]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.done:
			return
		}
	}
}

// Close stops background cleanup. Safe to call more than once.
func (c *Cache[K]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
