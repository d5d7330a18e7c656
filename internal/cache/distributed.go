package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// scanBatchSize is the SCAN COUNT hint used when clearing a prefix.
const scanBatchSize = 100

// Distributed implements TokenCache using Valkey with server-assisted
// client-side caching. Keys are namespaced with a prefix; expiry is enforced
// by the server.
// The generic type T represents the token type being cached.
type Distributed[T any] struct {
	client   valkey.Client
	prefix   string
	ttl      time.Duration
	strategy EncryptionStrategy
}

// NewDistributed creates a new Valkey-backed cache with server-assisted client-side caching.
// The ttl parameter is the default lifetime of an entry.
// The strategy parameter controls encryption of cached values; nil defaults to NoEncryptionStrategy.
func NewDistributed[T any](valkeyClient valkey.Client, prefix string, ttl time.Duration, strategy EncryptionStrategy) (*Distributed[T], error) {
	if valkeyClient == nil {
		return nil, errors.New("valkey client is required")
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}
	return &Distributed[T]{
		client:   valkeyClient,
		prefix:   prefix,
		ttl:      effectiveTTL(ttl, DefaultTTL),
		strategy: strategy,
	}, nil
}

func (d *Distributed[T]) storageKey(key string) string {
	return d.prefix + d.strategy.StorageKey(key)
}

// Get retrieves a token from the cache using server-assisted client-side caching.
// Returns the token, whether it was found, and any error.
// Undecodable entries are returned as ErrCorruptEntry and removed on a
// best-effort basis.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := d.storageKey(key)

	cmd := d.client.B().Get().Key(storageKey).Cache()
	result := d.client.DoCache(ctx, cmd, d.ttl)

	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("%w: failed to get cached value: %w", ErrBackendUnavailable, err)
	}

	val, err := result.ToString()
	if err != nil {
		return zero, false, fmt.Errorf("%w: cached value is not a string: %w", ErrCorruptEntry, err)
	}

	token, err := decodeValue[T](ctx, d.strategy, key, val)
	if err != nil {
		if delErr := d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error(); delErr != nil {
			log.Warn().Err(delErr).Msg("failed to remove corrupt cache entry")
		}
		return zero, false, err
	}

	return token, true, nil
}

// Set stores a token in the cache. The entry expires after ttl, or the
// configured default when ttl is not positive.
func (d *Distributed[T]) Set(ctx context.Context, key string, token T, ttl time.Duration) error {
	value, err := encodeValue(ctx, d.strategy, key, token)
	if err != nil {
		return err
	}

	seconds := max(int64(effectiveTTL(ttl, d.ttl)/time.Second), 1)

	cmd := d.client.B().Set().Key(d.storageKey(key)).Value(value).ExSeconds(seconds).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: failed to set cached value: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Invalidate removes a token from the cache.
func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.storageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: failed to invalidate cached value: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Clear deletes every key under the cache prefix.
func (d *Distributed[T]) Clear(ctx context.Context) error {
	match := d.prefix + "*"

	var cursor uint64
	for {
		cmd := d.client.B().Scan().Cursor(cursor).Match(match).Count(scanBatchSize).Build()
		entry, err := d.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("%w: failed to scan cached values: %w", ErrBackendUnavailable, err)
		}

		if len(entry.Elements) > 0 {
			del := d.client.B().Del().Key(entry.Elements...).Build()
			if err := d.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("%w: failed to clear cached values: %w", ErrBackendUnavailable, err)
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases resources associated with the cache client and encryption strategy.
func (d *Distributed[T]) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	d.client.Close()
	return nil
}
