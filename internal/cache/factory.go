package cache

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/chinmina/signer-bridge/internal/cache/encryption"
	"github.com/chinmina/signer-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// NewFromConfig creates the cache implementation selected by the
// configuration, wrapped with instrumentation.
//
// The memory type never encrypts. The disk, valkey and redis types encrypt
// entries when cacheConfig.Encryption is enabled.
func NewFromConfig[T any](ctx context.Context, cacheConfig config.CacheConfig) (TokenCache[T], error) {
	if err := cacheConfig.Validate(); err != nil {
		return nil, err
	}

	ttl := cacheConfig.TTL()

	if cacheConfig.Type == "memory" {
		log.Info().
			Str("cache_type", "memory").
			Dur("ttl", ttl).
			Int("max_size", cacheConfig.MemoryMaxSize).
			Msg("initializing in-memory cache")

		memory, err := NewMemory[T](ttl, cacheConfig.MemoryMaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return NewInstrumented(memory, "memory"), nil
	}

	strategy, err := newEncryptionStrategy(ctx, cacheConfig.Encryption)
	if err != nil {
		return nil, err
	}

	backend, err := newPersistent[T](cacheConfig, strategy)
	if err != nil {
		_ = strategy.Close()
		return nil, err
	}

	return NewInstrumented(backend, cacheConfig.Type), nil
}

func newPersistent[T any](cacheConfig config.CacheConfig, strategy EncryptionStrategy) (TokenCache[T], error) {
	ttl := cacheConfig.TTL()
	encrypted := cacheConfig.Encryption.Enabled

	switch cacheConfig.Type {
	case "disk":
		log.Info().
			Str("cache_type", "disk").
			Str("path", cacheConfig.Disk.Path).
			Bool("encrypted", encrypted).
			Msg("initializing disk cache")

		disk, err := NewDisk[T](cacheConfig.Disk.Path, ttl, strategy)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk cache: %w", err)
		}
		return disk, nil

	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Bool("encrypted", encrypted).
			Msg("initializing distributed cache")

		valkeyOpts := valkey.ClientOption{
			InitAddress: []string{cacheConfig.Valkey.Address},
			Username:    cacheConfig.Valkey.Username,
			Password:    cacheConfig.Valkey.Password,
		}
		if cacheConfig.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create valkey client: %w", ErrBackendUnavailable, err)
		}

		distributed, err := NewDistributed[T](valkeyClient, cacheConfig.KeyPrefix, ttl, strategy)
		if err != nil {
			valkeyClient.Close()
			return nil, fmt.Errorf("failed to create distributed cache: %w", err)
		}
		return distributed, nil

	case "redis":
		log.Info().
			Str("cache_type", "redis").
			Bool("encrypted", encrypted).
			Msg("initializing redis cache")

		redisCache, err := NewRedisFromURL[T](cacheConfig.Redis.URL, cacheConfig.KeyPrefix, ttl, strategy)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis cache: %w", err)
		}
		return redisCache, nil

	default:
		return nil, fmt.Errorf("invalid cache type %q", cacheConfig.Type)
	}
}

// newEncryptionStrategy builds the strategy for persistent backends. With
// encryption disabled it is a pass-through.
func newEncryptionStrategy(ctx context.Context, cfg config.CacheEncryptionConfig) (EncryptionStrategy, error) {
	if !cfg.Enabled {
		return &NoEncryptionStrategy{}, nil
	}

	var (
		aead *encryption.RefreshableAEAD
		err  error
	)
	switch {
	case cfg.KeysetFile != "":
		aead, err = encryption.NewRefreshableAEADFromFile(ctx, cfg.KeysetFile)
	default:
		aead, err = encryption.NewRefreshableAEAD(ctx, cfg.KeysetURI, cfg.KMSEnvelopeKeyURI)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	log.Info().Msg("cache encryption enabled with automatic keyset refresh")

	return NewInstrumentedStrategy(NewTinkEncryptionStrategy(aead)), nil
}
