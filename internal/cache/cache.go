// Package cache provides the storage backends for exchanged signers: an
// in-process memory cache, a local disk cache and shared remote caches
// (Valkey and Redis). All variants satisfy TokenCache.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is used when neither the caller nor the backend configuration
// supplies an entry lifetime.
const DefaultTTL = 24 * time.Hour

var (
	// ErrBackendUnavailable wraps failures to reach the backing store.
	ErrBackendUnavailable = errors.New("cache backend unavailable")

	// ErrCorruptEntry wraps entries that exist but cannot be decoded or
	// decrypted.
	ErrCorruptEntry = errors.New("cache entry is corrupt")
)

// TokenCache defines the interface for token caching implementations.
// The generic type T represents the token type being cached.
type TokenCache[T any] interface {
	// Get retrieves a token from the cache. An absent or expired entry is
	// reported as (zero, false, nil).
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a token in the cache, replacing any existing entry. A ttl of
	// zero or less uses the backend's configured default.
	Set(ctx context.Context, key string, token T, ttl time.Duration) error

	// Invalidate removes a token from the cache. Removing an absent key is not
	// an error.
	Invalidate(ctx context.Context, key string) error

	// Clear removes every entry owned by this cache.
	Clear(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error
}

func effectiveTTL(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTTL
}
