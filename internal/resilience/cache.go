// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience

import (
	"context"
	"sync"
	"time"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// DefaultCacheTTL applies when Set is called without an explicit TTL.
const DefaultCacheTTL = 10 * time.Minute

type cacheEntry[V any] struct {
	value        V
	expiresAt    time.Time
	lastAccessed time.Time
}

// Cache is a bounded TTL + least-recently-used cache for idempotent lookups.
// Entries are visible to readers only while unexpired; reading a stale entry
// deletes it, so correctness does not depend on Cleanup being called.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry[V]
	maxSize    int
	defaultTTL time.Duration
	nowFunc    func() time.Time // for testing
}

// NewCache creates a cache evicting the least-recently-accessed entry once
// maxSize distinct keys are present and a new key is inserted.
func NewCache[V any](maxSize int, defaultTTL time.Duration) (*Cache[V], error) {
	if maxSize <= 0 {
		return nil, kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"cache max size must be positive, got %d", maxSize)
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	return &Cache[V]{
		entries:    make(map[string]*cacheEntry[V]),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		nowFunc:    time.Now,
	}, nil
}

// SetNowFunc overrides the time source (for testing).
func (c *Cache[V]) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	c.nowFunc = fn
	c.mu.Unlock()
}

// Get returns the value for key if present and unexpired, refreshing its
// last-accessed time. A merely-expired entry is purged on the way out.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}

	now := c.nowFunc()
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}

	e.lastAccessed = now
	return e.value, true
}

// Has reports whether key is present and unexpired, without refreshing its
// last-accessed time. Expired entries are purged.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.nowFunc().Before(e.expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Set inserts or overwrites key. Inserting a new key while at capacity first
// evicts the single least-recently-accessed entry.
func (c *Cache[V]) Set(key string, value V, ttl ...time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	now := c.nowFunc()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = &cacheEntry[V]{
		value:        value,
		expiresAt:    now.Add(d),
		lastAccessed: now,
	}
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// its result.
//
// There is no request coalescing: concurrent callers missing on the same key
// each invoke compute independently, and the last writer wins. Callers
// needing single-flight semantics must layer them on top.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error), ttl ...time.Duration) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v, ttl...)
	return v, nil
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry[V])
	c.mu.Unlock()
}

// Cleanup proactively removes all expired entries. Intended for periodic
// maintenance; Get and Has self-heal without it.
func (c *Cache[V]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the entry with the oldest lastAccessed timestamp,
// ties broken by whichever the iteration finds first. Caller must hold c.mu.
func (c *Cache[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for key, e := range c.entries {
		if !found || e.lastAccessed.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.lastAccessed
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Flushable is the registry-facing face of a cache: enough surface for the
// monitoring boundary to clear and maintain instances without knowing their
// value types.
type Flushable interface {
	Clear()
	Cleanup()
	Len() int
}

// CacheRegistry tracks named cache instances for the monitoring boundary.
// Construct once at process start and inject.
type CacheRegistry struct {
	mu     sync.Mutex
	caches map[string]Flushable
}

// NewCacheRegistry creates an empty registry.
func NewCacheRegistry() *CacheRegistry {
	return &CacheRegistry{caches: make(map[string]Flushable)}
}

// Register adds a cache under name, replacing any previous registration.
func (r *CacheRegistry) Register(name string, c Flushable) {
	r.mu.Lock()
	r.caches[name] = c
	r.mu.Unlock()
}

// ClearAll empties every registered cache.
func (r *CacheRegistry) ClearAll() {
	r.mu.Lock()
	caches := make([]Flushable, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()

	for _, c := range caches {
		c.Clear()
	}
}

// CleanupAll drops expired entries from every registered cache.
func (r *CacheRegistry) CleanupAll() {
	r.mu.Lock()
	caches := make([]Flushable, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()

	for _, c := range caches {
		c.Cleanup()
	}
}

// Sizes returns the entry count per registered cache.
func (r *CacheRegistry) Sizes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sizes := make(map[string]int, len(r.caches))
	for name, c := range r.caches {
		sizes[name] = c.Len()
	}
	return sizes
}
