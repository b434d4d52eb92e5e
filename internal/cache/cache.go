// Package cache layers fetch strategies over the local store: serve
// fresh local data, refresh it from the server when stale, and fall
// back to whatever is cached when the network is down.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Strategy selects how a read balances local data against the server.
type Strategy string

const (
	// CacheFirst serves local data when present and fresh, hitting the
	// network only on a miss or stale entry.
	CacheFirst Strategy = "cache-first"
	// NetworkFirst always tries the server, falling back to local data
	// on failure.
	NetworkFirst Strategy = "network-first"
	// NetworkOnly bypasses the local store entirely.
	NetworkOnly Strategy = "network-only"
)

// DefaultMaxAge is the freshness window when Options leaves it unset.
const DefaultMaxAge = 5 * time.Minute

// Options tunes one cached fetch.
type Options struct {
	MaxAge   time.Duration
	Strategy Strategy
}

// MetaStore persists per-key last-fetched timestamps. Implemented by
// store.Repository.
type MetaStore interface {
	GetCacheMeta(ctx context.Context, key string) (time.Time, bool, error)
	PutCacheMeta(ctx context.Context, key string, lastFetched time.Time) error
	DeleteCacheMeta(ctx context.Context, key string) error
}

// Cache tracks freshness metadata for keyed fetches. Keys follow the
// "collection:id" convention, e.g. "jobs:all" or "tailored:42".
type Cache struct {
	meta   MetaStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache over the given metadata store.
func New(meta MetaStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{meta: meta, logger: logger, now: time.Now}
}

// Invalidate forgets the freshness record for key, forcing the next
// cache-first read to hit the network.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.meta.DeleteCacheMeta(ctx, key); err != nil {
		return fmt.Errorf("invalidate cache key %q: %w", key, err)
	}
	return nil
}

// Fetch resolves one read under the chosen strategy. readLocal reports
// whether the local store holds data for the key; fetchRemote hits the
// server; writeLocal stores a fresh server result. Local reads and
// writes go through the durable store, so a network fallback survives
// restarts.
func Fetch[T any](
	ctx context.Context,
	c *Cache,
	key string,
	readLocal func(ctx context.Context) (T, bool, error),
	fetchRemote func(ctx context.Context) (T, error),
	writeLocal func(ctx context.Context, value T) error,
	opts Options,
) (T, error) {
	var zero T
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = CacheFirst
	}

	if strategy == NetworkOnly {
		return fetchRemote(ctx)
	}

	cached, haveCached, err := readLocal(ctx)
	if err != nil {
		// A broken local read degrades to a plain network fetch.
		c.logger.Warn("cache read failed", "key", key, "error", err)
		haveCached = false
	}

	stale := true
	if haveCached {
		if lastFetched, ok, metaErr := c.meta.GetCacheMeta(ctx, key); metaErr == nil && ok {
			stale = c.now().Sub(lastFetched) > maxAge
		} else if metaErr != nil {
			c.logger.Warn("cache metadata read failed", "key", key, "error", metaErr)
		}
	}

	if strategy == CacheFirst && haveCached && !stale {
		return cached, nil
	}

	value, fetchErr := fetchRemote(ctx)
	if fetchErr != nil {
		if haveCached {
			c.logger.Warn("network failed, serving cached data", "key", key, "error", fetchErr)
			return cached, nil
		}
		return zero, fmt.Errorf("fetch %q: %w", key, fetchErr)
	}

	if err := writeLocal(ctx, value); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	} else if err := c.meta.PutCacheMeta(ctx, key, c.now()); err != nil {
		c.logger.Warn("cache metadata write failed", "key", key, "error", err)
	}
	return value, nil
}
