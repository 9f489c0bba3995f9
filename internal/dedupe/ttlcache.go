// ABOUTME: Small TTL value cache used for short-lived chat metadata lookups

package dedupe

import (
	"sync"
	"time"
)

type valueEntry struct {
	value     any
	expiresAt time.Time
}

// TTLCache maps keys to values that expire after a fixed duration. Stale
// entries are dropped lazily on read and wholesale via Purge.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]valueEntry
	ttl     time.Duration
}

// NewTTLCache creates a cache with the given entry lifetime.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{
		entries: make(map[string]valueEntry),
		ttl:     ttl,
	}
}

// Get returns the cached value if present and fresh.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// Put stores a value, restarting its lifetime.
func (c *TTLCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = valueEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Delete removes a key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge removes every expired entry.
func (c *TTLCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
