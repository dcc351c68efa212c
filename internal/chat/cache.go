package chat

import (
	"sort"
	"sync"

	"devstudio/api/internal/store"
)

// Cache is the ordered, in-memory projection of one scope's messages.
// Only the owning Synchronizer writes to it; everything else reads snapshots.
type Cache struct {
	scope Scope

	mu      sync.RWMutex
	items   []store.Message
	version uint64
	changed chan struct{}
}

func newCache(scope Scope) *Cache {
	return &Cache{scope: scope, changed: make(chan struct{})}
}

func (c *Cache) Scope() Scope {
	return c.scope
}

// Snapshot returns a copy of the messages ordered by (CreatedAt, ID).
func (c *Cache) Snapshot() []store.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Message, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Version increases on every change.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Changed returns a channel that is closed on the next change.
func (c *Cache) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// replace swaps the whole contents atomically.
func (c *Cache) replace(items []store.Message) {
	next := make([]store.Message, 0, len(items))
	seen := make(map[string]int, len(items))
	for _, item := range items {
		if idx, ok := seen[item.ID]; ok {
			next[idx] = item
			continue
		}
		seen[item.ID] = len(next)
		next = append(next, item)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Before(next[j]) })

	c.mu.Lock()
	c.items = next
	c.bumpLocked()
	c.mu.Unlock()
}

// insert places msg by comparison rather than appending, since a
// notification can race a reload. A message with a known ID overwrites it.
func (c *Cache) insert(msg store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		if c.items[i].ID == msg.ID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	pos := sort.Search(len(c.items), func(i int) bool { return msg.Before(c.items[i]) })
	c.items = append(c.items, store.Message{})
	copy(c.items[pos+1:], c.items[pos:])
	c.items[pos] = msg
	c.bumpLocked()
}

// retain drops every message for which keep returns false and reports how
// many were dropped.
func (c *Cache) retain(keep func(store.Message) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.items[:0]
	for _, item := range c.items {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	removed := len(c.items) - len(kept)
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = store.Message{}
	}
	c.items = kept
	if removed > 0 {
		c.bumpLocked()
	}
	return removed
}

func (c *Cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.bumpLocked()
}

func (c *Cache) bumpLocked() {
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}
