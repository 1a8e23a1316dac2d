package planner

import (
	"sync"
	"time"

	"github.com/OpenTransitTools/transitroute/business/routing"
)

// routeCacheTTL bounds how long a planned journey may be reused before the
// timetable is consulted again.
const routeCacheTTL = time.Hour

type routeCacheEntry struct {
	routes   []routing.Route
	storedAt time.Time
}

// routeCache memoizes raw unscored routes per origin, destination and
// departure minute. Scoring never lands in here, risk must reflect the
// live state at response time. The whole cache drops whenever the
// timetable or the graph changes.
type routeCache struct {
	mu      sync.Mutex
	entries map[string]routeCacheEntry
}

func newRouteCache() *routeCache {
	return &routeCache{entries: make(map[string]routeCacheEntry)}
}

// cacheKey buckets a departure to minute resolution, two queries in the
// same minute share an entry.
func cacheKey(origin, dest string, departure time.Time) string {
	return origin + "|" + dest + "|" + departure.Format("2006-01-02|15:04")
}

func (c *routeCache) get(key string, now time.Time) ([]routing.Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(entry.storedAt) > routeCacheTTL {
		delete(c.entries, key)
		return nil, false
	}
	return entry.routes, true
}

// put stores routes under key. Empty results are not cached, a transient
// empty answer must not shadow the timetable for an hour.
func (c *routeCache) put(key string, routes []routing.Route, now time.Time) {
	if len(routes) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = routeCacheEntry{routes: routes, storedAt: now}
}

func (c *routeCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]routeCacheEntry)
}

func (c *routeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
