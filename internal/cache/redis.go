package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis implements TokenCache on a Redis server. The key layout matches
// Distributed, so either client can read entries written by the other.
type Redis[T any] struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	strategy EncryptionStrategy
}

// NewRedisFromURL connects to the server described by a redis:// or
// rediss:// URL.
func NewRedisFromURL[T any](url string, prefix string, ttl time.Duration, strategy EncryptionStrategy) (*Redis[T], error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return NewRedis[T](redis.NewClient(opts), prefix, ttl, strategy)
}

// NewRedis creates a Redis-backed cache using an existing client. The cache
// takes ownership of the client and closes it on Close.
func NewRedis[T any](client *redis.Client, prefix string, ttl time.Duration, strategy EncryptionStrategy) (*Redis[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	return &Redis[T]{
		client:   client,
		prefix:   prefix,
		ttl:      effectiveTTL(ttl, DefaultTTL),
		strategy: strategy,
	}, nil
}

func (r *Redis[T]) storageKey(key string) string {
	return r.prefix + r.strategy.StorageKey(key)
}

func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := r.storageKey(key)

	val, err := r.client.Get(ctx, storageKey).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("%w: failed to get cached value: %w", ErrBackendUnavailable, err)
	}

	token, err := decodeValue[T](ctx, r.strategy, key, val)
	if err != nil {
		if delErr := r.client.Del(ctx, storageKey).Err(); delErr != nil {
			log.Warn().Err(delErr).Msg("failed to remove corrupt cache entry")
		}
		return zero, false, err
	}

	return token, true, nil
}

func (r *Redis[T]) Set(ctx context.Context, key string, token T, ttl time.Duration) error {
	value, err := encodeValue(ctx, r.strategy, key, token)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.storageKey(key), value, effectiveTTL(ttl, r.ttl)).Err(); err != nil {
		return fmt.Errorf("%w: failed to set cached value: %w", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.storageKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: failed to invalidate cached value: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Clear deletes every key under the cache prefix.
func (r *Redis[T]) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatchSize).Iterator()

	batch := make([]string, 0, scanBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatchSize {
			if err := flush(); err != nil {
				return fmt.Errorf("%w: failed to clear cached values: %w", ErrBackendUnavailable, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: failed to scan cached values: %w", ErrBackendUnavailable, err)
	}

	if err := flush(); err != nil {
		return fmt.Errorf("%w: failed to clear cached values: %w", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis[T]) Close() error {
	if err := r.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	return r.client.Close()
}
