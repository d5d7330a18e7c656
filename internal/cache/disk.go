package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"github.com/rs/zerolog/log"
)

const diskEntryExt = ".json"

// diskEntry is the on-disk layout of a single cache file.
type diskEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
	Value     string    `json:"value"`
}

// Disk stores one file per entry in a directory. Files are written
// atomically and are readable only by the owner. Expired, partial and
// undecodable files are removed when read and reported as absent.
type Disk[T any] struct {
	dir      string
	ttl      time.Duration
	strategy EncryptionStrategy
	now      func() time.Time
}

// NewDisk creates a disk-backed cache rooted at dir, creating the directory
// if required. The strategy parameter controls encryption of cached values;
// nil defaults to NoEncryptionStrategy.
func NewDisk[T any](dir string, ttl time.Duration, strategy EncryptionStrategy) (*Disk[T], error) {
	if dir == "" {
		return nil, errors.New("disk cache directory is required")
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating cache directory: %w", ErrBackendUnavailable, err)
	}

	return &Disk[T]{
		dir:      dir,
		ttl:      effectiveTTL(ttl, DefaultTTL),
		strategy: strategy,
		now:      time.Now,
	}, nil
}

// path maps a key to its entry file. Keys are hashed so that arbitrary
// identifiers are safe filenames and are not disclosed by a directory
// listing.
func (d *Disk[T]) path(key string) string {
	sum := sha256.Sum256([]byte(d.strategy.StorageKey(key)))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+diskEntryExt)
}

func (d *Disk[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	path := d.path(key)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("%w: reading cache entry: %w", ErrBackendUnavailable, err)
	}

	var entry diskEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		d.discard(ctx, path, fmt.Errorf("%w: %w", ErrCorruptEntry, err))
		return zero, false, nil
	}

	if !d.now().Before(entry.ExpiresAt) {
		d.remove(path)
		return zero, false, nil
	}

	token, err := decodeValue[T](ctx, d.strategy, key, entry.Value)
	if err != nil {
		d.discard(ctx, path, err)
		return zero, false, nil
	}

	return token, true, nil
}

func (d *Disk[T]) Set(ctx context.Context, key string, token T, ttl time.Duration) error {
	value, err := encodeValue(ctx, d.strategy, key, token)
	if err != nil {
		return err
	}

	now := d.now()
	data, err := json.Marshal(diskEntry{
		Timestamp: now,
		ExpiresAt: now.Add(effectiveTTL(ttl, d.ttl)),
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := safefile.WriteFile(d.path(key), data, 0o600); err != nil {
		return fmt.Errorf("%w: writing cache entry: %w", ErrBackendUnavailable, err)
	}

	return nil
}

func (d *Disk[T]) Invalidate(_ context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing cache entry: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Clear removes every entry file in the cache directory. Other files are left
// in place.
func (d *Disk[T]) Clear(_ context.Context) error {
	paths, err := filepath.Glob(filepath.Join(d.dir, "*"+diskEntryExt))
	if err != nil {
		return fmt.Errorf("listing cache entries: %w", err)
	}

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: clearing cache entries: %w", ErrBackendUnavailable, errors.Join(errs...))
	}

	return nil
}

func (d *Disk[T]) Close() error {
	return d.strategy.Close()
}

// discard removes an unreadable entry so that the next lookup goes to the
// exchange instead of failing again.
func (d *Disk[T]) discard(ctx context.Context, path string, cause error) {
	log.Ctx(ctx).Warn().
		Err(cause).
		Str("path", path).
		Msg("discarding unreadable cache entry")

	d.remove(path)
}

func (d *Disk[T]) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove cache entry")
	}
}
