package keyvalidator

import (
	"crypto/sha256"
	"sync"
	"time"
)

// Cache holds decoded validators by id. An entry is trusted for interval
// after it was last checked; after that its digest is compared with the
// stored XML and the entry is reused only when they match.
type Cache struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	entries  map[int]*cacheEntry
}

type cacheEntry struct {
	v       Validator
	digest  [sha256.Size]byte
	checked time.Time
}

// NewCache returns an empty cache. An interval <= 0 disables caching.
func NewCache(interval time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{interval: interval, now: now, entries: make(map[int]*cacheEntry)}
}

// Get returns the validator with id if it was checked within the interval.
func (c *Cache) Get(id int) (Validator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || c.now().Sub(e.checked) >= c.interval {
		return nil, false
	}
	return e.v, true
}

// Revalidate returns the cached validator with id if data, the stored
// XML, still has the cached digest. A match restarts the interval.
func (c *Cache) Revalidate(id int, data []byte) (Validator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.digest != sha256.Sum256(data) {
		return nil, false
	}
	e.checked = c.now()
	return e.v, true
}

// Put caches v decoded from data.
func (c *Cache) Put(id int, data []byte, v Validator) {
	if c.interval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cacheEntry{v: v, digest: sha256.Sum256(data), checked: c.now()}
}

// Remove purges the entry of id.
func (c *Cache) Remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear purges every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]*cacheEntry)
}
