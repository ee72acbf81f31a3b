package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached payload. It is valid iff now - StoredAt < TTL.
type Entry[T any] struct {
	Value    T
	StoredAt time.Time
	TTL      time.Duration
}

// Valid reports whether the entry is still fresh at now.
func (e Entry[T]) Valid(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Option configures Cache.
type Option func(*options)

type options struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// WithTTL sets the default TTL used by Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithMaxSize bounds the number of entries; the oldest entry is evicted first. 0 means unbounded.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is a process-memory key/value store with per-entry TTL.
// Expired entries are treated as absent and removed on read, by Sweep, or by Run.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
	opts    options
}

// New creates a TTL cache. The default TTL is five minutes.
func New[T any](opts ...Option) *Cache[T] {
	o := options{ttl: 5 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{entries: make(map[string]Entry[T]), opts: o}
}

// Get returns the value for key if present and fresh.
func (c *Cache[T]) Get(key string) (T, bool) {
	now := c.opts.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && e.Valid(now) {
		return e.Value, true
	}

	var zero T
	if ok {
		c.mu.Lock()
		// re-check: a writer may have refreshed it in between
		if cur, still := c.entries[key]; still && !cur.Valid(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	return zero, false
}

// Set stores value under key with the default TTL.
func (c *Cache[T]) Set(key string, value T) {
	c.SetWithTTL(key, value, c.opts.ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (c *Cache[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.opts.maxSize > 0 && len(c.entries) >= c.opts.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = Entry[T]{Value: value, StoredAt: now, TTL: ttl}
}

// Delete removes keys.
func (c *Cache[T]) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Clear drops every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry[T])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !e.Valid(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache[T]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache[T]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.StoredAt.Before(oldest) {
			oldestKey, oldest, found = k, e.StoredAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
