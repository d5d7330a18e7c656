//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/chinmina/signer-bridge/internal/cache/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteCacheFactory func(t *testing.T, prefix string, strategy EncryptionStrategy) TokenCache[CacheTestDummy]

// exerciseRemoteCache runs the behaviours shared by the Valkey and Redis
// backends. Each subtest uses its own key prefix.
func exerciseRemoteCache(t *testing.T, newCache remoteCacheFactory) {
	t.Run("set and get", func(t *testing.T) {
		cache := newCache(t, "setget:", nil)
		ctx := context.Background()

		require.NoError(t, cache.Set(ctx, "abc123", CacheTestDummy{Data: "signer"}, 0))
		assertEventuallyFound(t, cache, "abc123", CacheTestDummy{Data: "signer"})
	})

	t.Run("not found", func(t *testing.T) {
		cache := newCache(t, "missing:", nil)

		_, found, err := cache.Get(context.Background(), "abc123")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("independent identifiers", func(t *testing.T) {
		cache := newCache(t, "independent:", nil)
		ctx := context.Background()

		require.NoError(t, cache.Set(ctx, "abc123", CacheTestDummy{Data: "first"}, 0))
		require.NoError(t, cache.Set(ctx, "xyz789", CacheTestDummy{Data: "second"}, 0))

		assertEventuallyFound(t, cache, "abc123", CacheTestDummy{Data: "first"})
		assertEventuallyFound(t, cache, "xyz789", CacheTestDummy{Data: "second"})
	})

	t.Run("invalidate", func(t *testing.T) {
		cache := newCache(t, "invalidate:", nil)
		ctx := context.Background()

		require.NoError(t, cache.Set(ctx, "abc123", CacheTestDummy{Data: "signer"}, 0))
		assertEventuallyFound(t, cache, "abc123", CacheTestDummy{Data: "signer"})

		require.NoError(t, cache.Invalidate(ctx, "abc123"))
		assertEventuallyAbsent(t, cache, "abc123")
	})

	t.Run("ttl expiry", func(t *testing.T) {
		cache := newCache(t, "ttl:", nil)
		ctx := context.Background()

		require.NoError(t, cache.Set(ctx, "abc123", CacheTestDummy{Data: "signer"}, time.Second))
		assertEventuallyFound(t, cache, "abc123", CacheTestDummy{Data: "signer"})

		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			_, found, err := cache.Get(ctx, "abc123")
			require.NoError(c, err)
			assert.False(c, found)
		}, 4*time.Second, 100*time.Millisecond, "cache entry should expire after TTL")
	})

	t.Run("clear only removes prefix", func(t *testing.T) {
		cleared := newCache(t, "clear-a:", nil)
		kept := newCache(t, "clear-b:", nil)
		ctx := context.Background()

		for _, key := range []string{"abc123", "xyz789"} {
			require.NoError(t, cleared.Set(ctx, key, CacheTestDummy{Data: key}, 0))
			require.NoError(t, kept.Set(ctx, key, CacheTestDummy{Data: key}, 0))
		}

		require.NoError(t, cleared.Clear(ctx))

		assertEventuallyAbsent(t, cleared, "abc123")
		assertEventuallyAbsent(t, cleared, "xyz789")
		assertEventuallyFound(t, kept, "abc123", CacheTestDummy{Data: "abc123"})
	})

	t.Run("encrypted round trip", func(t *testing.T) {
		aead, err := encryption.NewTestAEAD()
		require.NoError(t, err)

		cache := newCache(t, "encrypted:", NewTinkEncryptionStrategy(aead))
		ctx := context.Background()

		require.NoError(t, cache.Set(ctx, "abc123", CacheTestDummy{Data: "signer"}, 0))
		assertEventuallyFound(t, cache, "abc123", CacheTestDummy{Data: "signer"})

		// plaintext readers do not see encrypted entries
		plain := newCache(t, "encrypted:", nil)
		_, found, err := plain.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func assertEventuallyFound(t *testing.T, cache TokenCache[CacheTestDummy], key string, expected CacheTestDummy) {
	t.Helper()

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		value, found, err := cache.Get(context.Background(), key)
		require.NoError(c, err)
		assert.True(c, found)
		assert.Equal(c, expected, value)
	}, 2*time.Second, 100*time.Millisecond, "cache entry should be eventually available")
}

func assertEventuallyAbsent(t *testing.T, cache TokenCache[CacheTestDummy], key string) {
	t.Helper()

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		_, found, err := cache.Get(context.Background(), key)
		require.NoError(c, err)
		assert.False(c, found)
	}, 2*time.Second, 100*time.Millisecond, "cache entry should be eventually removed")
}
