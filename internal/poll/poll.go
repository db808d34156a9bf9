// Package poll provides bounded poll-until-converged loops. Every wait in the
// harness goes through Until so there is a single place where timeouts are
// enforced and surfaced distinctly from condition errors.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrTimeout is returned (wrapped) when the condition does not hold within the
// configured timeout. Callers distinguish it from condition errors with
// errors.Is.
var ErrTimeout = errors.New("poll: timed out")

// Config bounds a polling loop. Clock defaults to the real clock; tests inject
// a fake one.
type Config struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    clockwork.Clock
}

// Until evaluates condition every Interval until it returns true, it returns
// an error, the context is cancelled, or Timeout elapses. The condition is
// always evaluated at least once, before the first sleep.
func Until(ctx context.Context, condition func(ctx context.Context) (bool, error), cfg Config) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	deadline := clock.After(cfg.Timeout)
	ticker := clock.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		ok, err := condition(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("polling cancelled: %w", ctx.Err())
		case <-deadline:
			return fmt.Errorf("condition not met after %s: %w", cfg.Timeout, ErrTimeout)
		case <-ticker.Chan():
		}
	}
}
