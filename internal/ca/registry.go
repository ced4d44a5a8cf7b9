package ca

import (
	"sync"
	"time"
)

// Registry is the in-memory CA cache. One instance is built at startup and
// passed to the components that need it; clearing it only affects the
// local node.
//
// Entries are trusted for interval after the last refresh. Once the
// interval has elapsed the next lookup misses and flushes every entry, so
// callers re-read from the store and Put the result, which starts a new
// interval. Cache hits do not extend it.
type Registry struct {
	mu          sync.RWMutex
	interval    time.Duration
	now         func() time.Time
	byID        map[int32]*CA
	byName      map[string]int32
	aliases     map[int32]int32
	lastRefresh time.Time
}

// NewRegistry returns an empty cache. An interval <= 0 disables caching;
// aliases are still kept. A nil now uses time.Now.
func NewRegistry(interval time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		interval: interval,
		now:      now,
		byID:     make(map[int32]*CA),
		byName:   make(map[string]int32),
		aliases:  make(map[int32]int32),
	}
}

// Get returns the cached CA with id.
func (r *Registry) Get(id int32) (*CA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.freshLocked() {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}

// GetByName returns the cached CA with name.
func (r *Registry) GetByName(name string) (*CA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.freshLocked() {
		return nil, false
	}
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}

// Put caches c and refreshes the staleness timestamp.
func (r *Registry) Put(c *CA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRefresh = r.now()
	if r.interval <= 0 {
		return
	}
	if old, ok := r.byID[c.ID()]; ok && old.Name() != c.Name() {
		delete(r.byName, old.Name())
	}
	r.byID[c.ID()] = c
	r.byName[c.Name()] = c.ID()
}

// Invalidate drops the CA with id.
func (r *Registry) Invalidate(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		delete(r.byName, c.Name())
		delete(r.byID, id)
	}
}

// InvalidateAll drops every entry and alias.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	r.aliases = make(map[int32]int32)
	r.lastRefresh = time.Time{}
}

// Alias returns the real id memoized for a requested id that did not
// match any stored CA.
func (r *Registry) Alias(requested int32) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliases[requested]
	return id, ok
}

// SetAlias memoizes requested -> real.
func (r *Registry) SetAlias(requested, real int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[requested] = real
}

// LastRefresh returns the time of the last Put, or zero.
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}

// freshLocked reports whether entries can be trusted and flushes them
// when they cannot.
func (r *Registry) freshLocked() bool {
	if r.interval <= 0 {
		return false
	}
	if r.now().Sub(r.lastRefresh) >= r.interval {
		r.flushLocked()
		return false
	}
	return true
}

func (r *Registry) flushLocked() {
	r.byID = make(map[int32]*CA)
	r.byName = make(map[string]int32)
}
