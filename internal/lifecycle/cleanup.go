package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Cleanup releases resources acquired during startup. Steps run in reverse
// registration order, so that a resource is released before the resources it
// was built on. The zero value is ready to use.
type Cleanup struct {
	steps []step
}

// Add registers fn under name. Nil functions are ignored.
func (c *Cleanup) Add(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("step", name).Msg("attempted to add nil cleanup step; ignoring")
		return
	}

	c.steps = append(c.steps, step{name: name, fn: fn})
}

// AddCloser registers the Close method of closer.
func (c *Cleanup) AddCloser(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("step", name).Msg("attempted to add nil cleanup step; ignoring")
		return
	}

	c.Add(name, func(context.Context) error { return closer.Close() })
}

// Run executes every step, continuing past failures, and returns the joined
// errors. Steps are discarded once run.
func (c *Cleanup) Run(ctx context.Context) error {
	l := log.Ctx(ctx)

	var errs []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		s := c.steps[i]
		stepLog := l.With().Str("step", s.name).Logger()

		if err := s.fn(ctx); err != nil {
			stepLog.Warn().Err(err).Msg("cleanup failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		stepLog.Debug().Msg("cleanup complete")
	}

	c.steps = nil

	return errors.Join(errs...)
}
