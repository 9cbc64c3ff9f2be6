package loader

import (
	"sort"
	"sync"

	"github.com/timzifer/sldsync/diagram"
)

// Cache maps identifiers to successfully fetched snapshots. It is unbounded
// for the lifetime of the loader and only ever holds complete snapshots.
type Cache struct {
	mu      sync.RWMutex
	entries map[diagram.Identifier]diagram.Snapshot
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[diagram.Identifier]diagram.Snapshot)}
}

// Get returns the cached snapshot for id.
func (c *Cache) Get(id diagram.Identifier) (diagram.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entries[id]
	return snap, ok
}

// Put stores snap for id, replacing any previous entry.
func (c *Cache) Put(id diagram.Identifier, snap diagram.Snapshot) {
	c.mu.Lock()
	c.entries[id] = snap
	c.mu.Unlock()
}

// Has reports whether id is cached.
func (c *Cache) Has(id diagram.Identifier) bool {
	_, ok := c.Get(id)
	return ok
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[diagram.Identifier]diagram.Snapshot)
	c.mu.Unlock()
}

// IDs returns the cached identifiers in sorted order.
func (c *Cache) IDs() []diagram.Identifier {
	c.mu.RLock()
	ids := make([]diagram.Identifier, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
