/*
Package cache stores recent tool results keyed by (service, tool, arguments).

Lookups of expired entries behave exactly like misses and evict the stale
entry. Every Get updates the hit/miss counters that feed the health
snapshot. Store failures never surface to callers: a broken backing store
degrades to a miss.
*/
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultTTL        = 300 * time.Second
	DefaultMaxEntries = 1000
)

// Store is a key/value backend with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Flush(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Cache wraps a Store with counters and a default TTL.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache over store. ttl <= 0 selects DefaultTTL.
func New(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

// NewInMemory is a convenience constructor for a MemoryStore-backed cache.
func NewInMemory(ttl time.Duration, maxEntries int, logger *slog.Logger) (*Cache, error) {
	store, err := NewMemoryStore(maxEntries)
	if err != nil {
		return nil, err
	}
	return New(store, ttl, logger), nil
}

// TTL returns the default time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the live value for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		ok = false
	}
	if ok {
		c.hits.Add(1)
		return val, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores value under key, replacing any existing entry. ttl <= 0 uses
// the cache default.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("cache write failed", "error", err)
	}
}

// InvalidateAll drops every entry. Counters are kept.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	return c.store.Flush(ctx)
}

func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	size, err := c.store.Len(context.Background())
	if err != nil {
		c.logger.Warn("cache size unavailable", "error", err)
	}

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, Size: size, HitRate: rate}
}

func (c *Cache) Close() error {
	return c.store.Close()
}
