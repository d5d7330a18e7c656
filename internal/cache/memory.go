package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
)

// defaultMemoryMaxSize bounds the cache when no size is configured.
const defaultMemoryMaxSize = 10_000

type memoryEntry[T any] struct {
	token     T
	ttl       time.Duration
	expiresAt time.Time
}

// Memory is an in-memory cache implementation using otter. Each entry
// carries its own lifetime, reset on every write.
// The generic type T represents the token type being cached.
type Memory[T any] struct {
	cache *otter.Cache[string, memoryEntry[T]]
	ttl   time.Duration
}

// NewMemory creates a new in-memory cache with the specified default TTL and
// max size.
func NewMemory[T any](ttl time.Duration, maxSize int) (*Memory[T], error) {
	if maxSize <= 0 {
		maxSize = defaultMemoryMaxSize
	}

	cache := otter.Must(&otter.Options[string, memoryEntry[T]]{
		MaximumSize: maxSize,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, memoryEntry[T]]) time.Duration {
			return e.Value.ttl
		}),
	})

	return &Memory[T]{
		cache: cache,
		ttl:   effectiveTTL(ttl, DefaultTTL),
	}, nil
}

// Get retrieves a token from the cache.
// Returns the token, whether it was found, and any error.
func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	var zero T

	entry, ok := m.cache.GetIfPresent(key)
	if !ok {
		return zero, false, nil
	}

	// eviction is asynchronous; never hand out an entry past its lifetime
	if !time.Now().Before(entry.expiresAt) {
		m.cache.Invalidate(key)
		return zero, false, nil
	}

	return entry.token, true, nil
}

// Set stores a token in the cache.
func (m *Memory[T]) Set(_ context.Context, key string, token T, ttl time.Duration) error {
	ttl = effectiveTTL(ttl, m.ttl)

	m.cache.Set(key, memoryEntry[T]{
		token:     token,
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
	})

	return nil
}

// Invalidate removes a token from the cache.
func (m *Memory[T]) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Clear removes all tokens from the cache.
func (m *Memory[T]) Clear(_ context.Context) error {
	m.cache.InvalidateAll()
	return nil
}

func (m *Memory[T]) Close() error {
	m.cache.InvalidateAll()
	return nil
}
