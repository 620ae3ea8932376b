// Package archetype resolves an optional archetype_id submit-run field
// (§4.3 Request shape, supplemented) to a pre-built goal template fetched
// from a GitHub-hosted catalog, giving the Compile stage a structural
// starting point instead of parsing the goal text from scratch every
// time a tenant resubmits a well-known shape of problem.
package archetype

import (
	"sync"
	"time"
)

// cacheEntry holds cached template bytes with a fetch timestamp for TTL
// expiration.
type cacheEntry struct {
	content   []byte
	fetchedAt time.Time
}

// Cache is a thread-safe in-memory cache with TTL expiration. Expired
// entries are cleaned up lazily on Get, with no background goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns cached content for key if present and not expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Re-check under write lock: a concurrent Set may have refreshed
		// the entry between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.content, true
}

// Set stores content for key with the current timestamp.
func (c *Cache) Set(key string, content []byte) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{content: content, fetchedAt: time.Now()}
	c.mu.Unlock()
}
