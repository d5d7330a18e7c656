package encryption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultRefreshInterval is how often the keyset is reloaded.
const DefaultRefreshInterval = 15 * time.Minute

type aeadLoader func(ctx context.Context) (tink.AEAD, error)

// RefreshableAEAD is a tink.AEAD that periodically reloads its keyset, so
// that a rotated keyset is picked up without a restart. A failed reload is
// logged and the current keyset stays in use.
type RefreshableAEAD struct {
	mu     sync.RWMutex
	aead   tink.AEAD
	loader aeadLoader

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRefreshableAEAD loads a KMS-protected keyset from Secrets Manager and
// reloads it every DefaultRefreshInterval.
func NewRefreshableAEAD(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string) (*RefreshableAEAD, error) {
	return newRefreshableAEAD(ctx, func(ctx context.Context) (tink.AEAD, error) {
		return NewAEADFromKMS(ctx, keysetURI, kmsEnvelopeKeyURI)
	}, DefaultRefreshInterval)
}

// NewRefreshableAEADFromFile loads a cleartext keyset file and reloads it
// every DefaultRefreshInterval.
func NewRefreshableAEADFromFile(ctx context.Context, path string) (*RefreshableAEAD, error) {
	return newRefreshableAEAD(ctx, func(context.Context) (tink.AEAD, error) {
		return NewAEADFromFile(path)
	}, DefaultRefreshInterval)
}

// newRefreshableAEAD loads the initial AEAD synchronously. The refresh
// goroutine is only started once that succeeds.
func newRefreshableAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading initial AEAD: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(ctx)

	r := &RefreshableAEAD{
		aead:   initial,
		loader: loader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.refreshLoop(refreshCtx, interval)

	return r, nil
}

func (r *RefreshableAEAD) current() tink.AEAD {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead
}

func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return r.current().Encrypt(plaintext, associatedData)
}

func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	return r.current().Decrypt(ciphertext, associatedData)
}

// Close stops the refresh goroutine, cancelling any reload in progress, and
// waits for it to exit. It is safe to call more than once.
func (r *RefreshableAEAD) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
	return nil
}

func (r *RefreshableAEAD) refreshLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RefreshableAEAD) refresh(ctx context.Context) {
	next, err := r.loader(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Msg("failed to refresh encryption keyset, continuing with current keyset")
		return
	}

	r.mu.Lock()
	r.aead = next
	r.mu.Unlock()

	log.Debug().Msg("encryption keyset refreshed")
}
