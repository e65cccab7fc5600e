// Package cache provides the gateway's read-through cache: a Store contract
// with in-memory and Redis backends, and a fail-open wrapper that keeps
// cache outages from ever failing a request. The read-through pattern
// itself (check, miss, fetch, set) lives in the gateway router; the cache
// only stores bytes by key.
package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store is a key-value cache with TTL and prefix invalidation.
type Store interface {
	// Get returns the cached value and whether it was present. Entries past
	// their TTL are never returned.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes all keys beginning with prefix.
	Invalidate(ctx context.Context, prefix string) error
	// Ping reports backend connectivity, for the health endpoint.
	Ping(ctx context.Context) error
}

// FailOpen wraps a Store so that backend errors degrade to cache misses and
// no-ops instead of propagating. The cache is an optimization, not a
// correctness dependency; errors are logged and swallowed.
type FailOpen struct {
	store  Store
	logger zerolog.Logger
}

// NewFailOpen wraps store with fail-open semantics.
func NewFailOpen(store Store, logger zerolog.Logger) *FailOpen {
	return &FailOpen{store: store, logger: logger}
}

func (f *FailOpen) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok, err := f.store.Get(ctx, key)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		return nil, false, nil
	}
	return val, ok, nil
}

func (f *FailOpen) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.store.Set(ctx, key, value, ttl); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("cache set failed, skipping")
	}
	return nil
}

func (f *FailOpen) Invalidate(ctx context.Context, prefix string) error {
	if err := f.store.Invalidate(ctx, prefix); err != nil {
		f.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache invalidate failed, skipping")
	}
	return nil
}

func (f *FailOpen) Ping(ctx context.Context) error {
	return f.store.Ping(ctx)
}
