// ABOUTME: Thread-safe bounded TTL cache of the newest context entry per agent and type
// ABOUTME: Serves fast "latest state" reads; callers fall back to the store on a miss

package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("cache closed")

// Key identifies one cached slot.
type Key struct {
	AgentID     string
	ContextType string
}

// cacheEntry stores the entry, when it was written and its list element.
type cacheEntry struct {
	entry   store.ContextEntry
	written time.Time
	element *list.Element
}

// Latest keeps the most recent ContextEntry for each (agent_id, context_type).
// It is advisory: losing it only costs latency. A doubly-linked list tracks
// write recency so the least recently written key is evicted in O(1).
type Latest struct {
	mu      sync.RWMutex
	entries map[Key]*cacheEntry
	order   *list.List // keys, least recently written at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache bounded to maxSize keys whose entries expire after ttl.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Latest {
	c := &Latest{
		entries: make(map[Key]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Put records entry as the latest for its key unless a newer entry (higher
// id) is already cached. The overwrite is atomic per key.
func (c *Latest) Put(entry *store.ContextEntry) {
	if entry == nil {
		return
	}
	key := Key{AgentID: entry.AgentID, ContextType: entry.ContextType}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	now := c.now()
	if existing, ok := c.entries[key]; ok {
		if existing.entry.ID > entry.ID && !c.expired(existing, now) {
			return
		}
		existing.entry = *entry
		existing.written = now
		c.order.MoveToBack(existing.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		entry:   *entry,
		written: now,
		element: elem,
	}
}

// GetLatest returns the newest cached entry for the key, if present and fresh.
func (c *Latest) GetLatest(agentID, contextType string) (*store.ContextEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[Key{AgentID: agentID, ContextType: contextType}]
	if !ok || c.expired(e, c.now()) {
		return nil, false
	}
	out := e.entry
	return &out, true
}

// Snapshot returns every fresh entry, newest write first.
func (c *Latest) Snapshot() []*store.ContextEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make([]*store.ContextEntry, 0, len(c.entries))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		key, _ := el.Value.(Key)
		e := c.entries[key]
		if e == nil || c.expired(e, now) {
			continue
		}
		entry := e.entry
		out = append(out, &entry)
	}
	return out
}

// Len returns the number of cached keys, including expired ones not yet swept.
func (c *Latest) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ping reports whether the cache is usable.
func (c *Latest) Ping() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Latest) expired(e *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.written) > c.ttl
}

// evictOldest removes the least recently written key. Must be called with mu held.
func (c *Latest) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(Key)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Latest) cleanup() {
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

// runCleanup removes all expired entries from the cache.
func (c *Latest) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if c.expired(e, now) {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Latest) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
