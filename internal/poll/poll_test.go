package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ledgerlabs/walletcompat/internal/poll"
	"github.com/stretchr/testify/require"
)

func TestUntil_ConditionHoldsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	err := poll.Until(t.Context(), func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	}, poll.Config{Timeout: time.Second, Interval: time.Millisecond, Clock: clockwork.NewRealClock()})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestUntil_ConditionHoldsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := poll.Until(t.Context(), func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	}, poll.Config{Timeout: 5 * time.Second, Interval: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestUntil_ConditionError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := poll.Until(t.Context(), func(ctx context.Context) (bool, error) {
		return false, boom
	}, poll.Config{Timeout: time.Second, Interval: time.Millisecond})
	require.ErrorIs(t, err, boom)
}

func TestUntil_Timeout(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- poll.Until(t.Context(), func(ctx context.Context) (bool, error) {
			return false, nil
		}, poll.Config{Timeout: time.Minute, Interval: time.Second, Clock: clock})
	}()

	// Wait for both the deadline timer and the ticker to be registered before
	// advancing past the deadline.
	clock.BlockUntil(2)
	clock.Advance(2 * time.Minute)

	err := <-done
	require.ErrorIs(t, err, poll.ErrTimeout)
}

func TestUntil_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		return false, nil
	}, poll.Config{Timeout: time.Minute, Interval: 10 * time.Millisecond})
	require.ErrorIs(t, err, context.Canceled)
}
