package transitgraph

import (
	"sync"
	"time"
)

// Cache holds the current graph snapshot. Builds run outside the lock and
// the finished snapshot is swapped in whole, so readers observe either the
// old graph or the new one and a held snapshot stays stable for as long as
// the reader keeps it.
type Cache struct {
	mu      sync.Mutex
	current *Snapshot
	builtAt time.Time
}

// NewCache Cache factory
func NewCache() *Cache {
	return &Cache{}
}

// Set swaps in a freshly built snapshot.
func (c *Cache) Set(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = snap
	c.builtAt = time.Now()
}

// Current returns the snapshot in use, when it was built, and whether one
// has been built at all.
func (c *Cache) Current() (*Snapshot, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.builtAt, c.current != nil
}
