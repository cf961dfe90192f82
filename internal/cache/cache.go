// Package cache implements the short-TTL cache shared by all data loaders.
// Entries are keyed by call signature and expire by age; there is no
// eviction beyond staleness and explicit invalidation.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is a cached value together with the time it was fetched.
type Entry struct {
	Value     interface{}
	FetchedAt time.Time
}

// IsStale reports whether the entry is older than ttl at the given time.
func (e Entry) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) >= ttl
}

// Cache is a concurrency-safe map from call signature to Entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	// now is swappable for tests
	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Key builds a cache key from a call name and its arguments.
func Key(call string, args ...interface{}) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, call)
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, "|")
}

// Get returns the value for key when present and fresher than ttl.
func (c *Cache) Get(key string, ttl time.Duration) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || entry.IsStale(c.now(), ttl) {
		return nil, false
	}
	return entry.Value, true
}

// Peek returns the entry for key regardless of age. Callers that can fall
// back to stale data (e.g. after an upstream failure) use this path.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	return entry, ok
}

// Set stores a value under key with the current fetch time.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{Value: value, FetchedAt: c.now()}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// InvalidateAll drops every entry. Used by the force-refresh operation.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]Entry)
}

// Len returns the number of entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
