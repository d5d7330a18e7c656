// Package signercache hands out signers for identity tokens, reusing a cached
// signer where one exists and otherwise performing a token exchange. At most
// one exchange is in flight per token identifier within a process.
package signercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/chinmina/signer-bridge/internal/cache"
	"github.com/chinmina/signer-bridge/internal/identity"
	"github.com/chinmina/signer-bridge/internal/signer"
)

const (
	DefaultExchangeTimeout = 30 * time.Second
	DefaultWaitTimeout     = 30 * time.Second
)

// ErrWaitTimeout is returned to a caller that gave up waiting for an
// in-flight exchange. The exchange itself continues.
var ErrWaitTimeout = errors.New("timed out waiting for in-flight token exchange")

// Source reports where a signer came from.
type Source string

const (
	// SourceCache is a signer read from the cache backend.
	SourceCache Source = "cache"

	// SourceExchange is a signer this caller obtained by exchanging the token.
	SourceExchange Source = "exchange"

	// SourceShared is a signer produced by an exchange another caller started.
	SourceShared Source = "shared"
)

// ExchangeFunc performs a single token exchange.
type ExchangeFunc func(ctx context.Context, token identity.Token) (signer.Signer, error)

// Result is the outcome of GetOrCreateSigner.
type Result struct {
	Signer     signer.Signer
	Identifier string
	Source     Source

	// BackendErr records cache failures that were tolerated while producing
	// the signer. It is nil when the cache behaved normally.
	BackendErr error
}

// Manager owns the cache backend and coordinates exchanges. It is safe for
// concurrent use.
type Manager struct {
	cache           cache.TokenCache[signer.Signer]
	exchange        ExchangeFunc
	ttl             time.Duration
	exchangeTimeout time.Duration
	waitTimeout     time.Duration
	now             func() time.Time
	flights         singleflight.Group
}

type Option func(*Manager)

// WithTTL sets the lifetime of stored signers. Zero uses the backend
// default.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithExchangeTimeout bounds a single exchange, independently of the
// cancellation of the caller that started it.
func WithExchangeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.exchangeTimeout = d
		}
	}
}

// WithWaitTimeout bounds how long a caller waits for an in-flight exchange.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.waitTimeout = d
		}
	}
}

// New creates a Manager. The Manager takes ownership of the cache and closes
// it on Close.
func New(c cache.TokenCache[signer.Signer], exchange ExchangeFunc, options ...Option) (*Manager, error) {
	if c == nil {
		return nil, errors.New("signer cache requires a cache backend")
	}
	if exchange == nil {
		return nil, errors.New("signer cache requires an exchange function")
	}

	m := &Manager{
		cache:           c,
		exchange:        exchange,
		exchangeTimeout: DefaultExchangeTimeout,
		waitTimeout:     DefaultWaitTimeout,
		now:             time.Now,
	}
	for _, o := range options {
		o(m)
	}

	return m, nil
}

// flight is the value shared by every caller joined to one exchange.
type flight struct {
	signer     signer.Signer
	source     Source
	backendErr error
}

// GetOrCreateSigner returns a signer for token. A usable cached signer is
// returned directly; otherwise the caller joins (or starts) the exchange for
// the token's identifier. Exchange failures are returned unchanged and are
// never cached. Cache failures degrade to an exchange and are reported in
// Result.BackendErr.
func (m *Manager) GetOrCreateSigner(ctx context.Context, token identity.Token) (Result, error) {
	id, err := token.Identifier()
	if err != nil {
		return Result{}, fmt.Errorf("cannot derive token identifier: %w", err)
	}

	ctx, span := otel.Tracer("github.com/chinmina/signer-bridge/internal/signercache").Start(ctx, "get_or_create_signer")
	defer span.End()

	result := Result{Identifier: id}

	s, found, err := m.lookup(ctx, id)
	if err != nil {
		result.BackendErr = err
	}
	if found {
		log.Ctx(ctx).Debug().Str("identifier", id).Msg("hit: cached signer found")

		result.Signer = s
		result.Source = SourceCache
		span.SetAttributes(attribute.String("signer.source", string(result.Source)))
		return result, nil
	}

	var leader bool
	ch := m.flights.DoChan(id, func() (any, error) {
		leader = true
		return m.exchangeAndStore(ctx, token, id)
	})

	wait := time.NewTimer(m.waitTimeout)
	defer wait.Stop()

	select {
	case r := <-ch:
		if r.Err != nil {
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, "exchange failed")
			return result, r.Err
		}

		f := r.Val.(flight)
		result.Signer = f.signer
		result.Source = f.source
		if !leader {
			result.Source = SourceShared
		}
		result.BackendErr = errors.Join(result.BackendErr, f.backendErr)

		span.SetAttributes(attribute.String("signer.source", string(result.Source)))
		return result, nil

	case <-ctx.Done():
		return result, ctx.Err()

	case <-wait.C:
		log.Ctx(ctx).Warn().
			Str("identifier", id).
			Dur("wait_timeout", m.waitTimeout).
			Msg("gave up waiting for in-flight token exchange")

		return result, ErrWaitTimeout
	}
}

// lookup reads a usable signer from the cache. Expired signers are removed
// and reported as absent.
func (m *Manager) lookup(ctx context.Context, id string) (signer.Signer, bool, error) {
	s, found, err := m.cache.Get(ctx, id)
	if err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("identifier", id).
			Msg("cache read failed, continuing with token exchange")

		return signer.Signer{}, false, err
	}
	if !found {
		return signer.Signer{}, false, nil
	}

	if s.Expired(m.now()) {
		log.Ctx(ctx).Info().
			Str("identifier", id).
			Time("expiry", s.Expiry()).
			Msg("invalid: cached signer has expired")

		if err := m.cache.Invalidate(ctx, id); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("identifier", id).Msg("failed to remove expired signer")
			return signer.Signer{}, false, err
		}
		return signer.Signer{}, false, nil
	}

	return s, true, nil
}

// exchangeAndStore runs once per flight. The exchange is detached from the
// cancellation of the caller that happened to start the flight.
func (m *Manager) exchangeAndStore(ctx context.Context, token identity.Token, id string) (flight, error) {
	var backendErr error

	flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.exchangeTimeout)
	defer cancel()

	// another flight may have completed between the caller's miss and this one
	s, found, err := m.lookup(flightCtx, id)
	if err != nil {
		backendErr = err
	}
	if found {
		return flight{signer: s, source: SourceCache, backendErr: backendErr}, nil
	}

	start := time.Now()
	s, err = m.exchange(flightCtx, token)
	if err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("identifier", id).
			Dur("duration", time.Since(start)).
			Msg("token exchange failed")

		return flight{}, err
	}

	log.Ctx(ctx).Info().
		Str("identifier", id).
		Dur("duration", time.Since(start)).
		Object("signer", s).
		Msg("miss: signer issued by token exchange")

	if err := m.cache.Set(flightCtx, id, s, m.entryTTL(s)); err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("identifier", id).
			Msg("failed to store signer, it will not be reused")

		backendErr = errors.Join(backendErr, err)
	}

	return flight{signer: s, source: SourceExchange, backendErr: backendErr}, nil
}

// entryTTL is the configured TTL, shortened so that an entry does not outlive
// its session token.
func (m *Manager) entryTTL(s signer.Signer) time.Duration {
	ttl := m.ttl

	if expiry := s.Expiry(); !expiry.IsZero() {
		remaining := expiry.Sub(m.now())
		if remaining > 0 && (ttl <= 0 || remaining < ttl) {
			ttl = remaining
		}
	}

	return ttl
}

// Invalidate removes any cached signer for token, and detaches future callers
// from an exchange already in flight for it.
func (m *Manager) Invalidate(ctx context.Context, token identity.Token) error {
	id, err := token.Identifier()
	if err != nil {
		return fmt.Errorf("cannot derive token identifier: %w", err)
	}

	m.flights.Forget(id)

	if err := m.cache.Invalidate(ctx, id); err != nil {
		return fmt.Errorf("invalidating cached signer: %w", err)
	}

	log.Ctx(ctx).Info().Str("identifier", id).Msg("cached signer invalidated")

	return nil
}

// Close releases the cache backend.
func (m *Manager) Close() error {
	return m.cache.Close()
}
