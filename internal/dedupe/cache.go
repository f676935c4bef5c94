// ABOUTME: Thread-safe TTL caches for deduplicating entity writes by natural key
// ABOUTME: Bounds redundant durable upserts during full-history replays

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// EntityClass identifies which dedup cache an entity belongs to.
// Each class has its own cache so one session's bulk replay of, say,
// contacts cannot evict another class's entries.
type EntityClass string

const (
	ClassMessage EntityClass = "message"
	ClassContact EntityClass = "contact"
	ClassChat    EntityClass = "chat"
	ClassGroup   EntityClass = "group"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited set of seen natural keys. Keys are
// composed as sessionID+naturalKey by the caller, so entries for different
// sessions never collide. A background goroutine reaps expired entries;
// insertion order is kept in a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedup cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen atomically checks whether the key was recorded within the TTL window
// and records it if not. Returns true for a duplicate, false when the key is
// new (and now marked). The check and the mark happen under one lock so two
// concurrent callers can never both see "new".
func (c *Cache) Seen(sessionID, naturalKey string) bool {
	key := sessionID + "\x00" + naturalKey

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	now := time.Now()
	if entry != nil {
		// Expired entry: refresh in place
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
	return false
}

// Forget drops every entry belonging to the session. Used when a session is
// purged so a recreated session starts with a cold cache.
func (c *Cache) Forget(sessionID string) {
	prefix := sessionID + "\x00"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup periodically removes expired entries until Close is called.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reapExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) reapExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// Set bundles one cache per entity class.
type Set struct {
	caches map[EntityClass]*Cache
}

// NewSet creates a cache per entity class, all sharing the same TTL.
// Sizes are per class: message replays dominate, so that cache is largest.
func NewSet(ttl time.Duration) *Set {
	return &Set{
		caches: map[EntityClass]*Cache{
			ClassMessage: New(ttl, 20000),
			ClassContact: New(ttl, 10000),
			ClassChat:    New(ttl, 10000),
			ClassGroup:   New(ttl, 2000),
		},
	}
}

// Seen checks-and-marks the key in the class's cache.
func (s *Set) Seen(class EntityClass, sessionID, naturalKey string) bool {
	return s.caches[class].Seen(sessionID, naturalKey)
}

// Forget drops the session's entries from every class.
func (s *Set) Forget(sessionID string) {
	for _, c := range s.caches {
		c.Forget(sessionID)
	}
}

// Close stops all cleanup goroutines.
func (s *Set) Close() {
	for _, c := range s.caches {
		c.Close()
	}
}
