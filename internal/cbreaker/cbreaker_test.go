package cbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCall = errors.New("call failed")

func failing(context.Context) (int, error) { return 0, errCall }
func succeeding(context.Context) (int, error) { return 1, nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(2, 1, time.Hour)

		_, err := Do(ctx, cb, failing)
		require.ErrorIs(t, err, errCall)
		assert.True(t, cb.IsClosed())

		_, err = Do(ctx, cb, failing)
		require.ErrorIs(t, err, errCall)
		assert.False(t, cb.IsClosed())

		calls := 0
		_, err = Do(ctx, cb, func(context.Context) (int, error) {
			calls++
			return 0, nil
		})
		assert.ErrorIs(t, err, ErrOpenState)
		assert.Zero(t, calls, "open breaker must not call through")
	})

	t.Run("success resets failure streak", func(t *testing.T) {
		cb := NewCircuitBreaker(2, 1, time.Hour)

		_, _ = Do(ctx, cb, failing)
		_, err := Do(ctx, cb, succeeding)
		require.NoError(t, err)
		_, _ = Do(ctx, cb, failing)

		assert.True(t, cb.IsClosed())
	})

	t.Run("half-open trial closes the breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 1, 10*time.Millisecond)

		_, _ = Do(ctx, cb, failing)
		require.False(t, cb.IsClosed())

		time.Sleep(20 * time.Millisecond)
		v, err := Do(ctx, cb, succeeding)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.True(t, cb.IsClosed())
	})

	t.Run("half-open trial failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 1, 10*time.Millisecond)

		_, _ = Do(ctx, cb, failing)
		time.Sleep(20 * time.Millisecond)
		_, err := Do(ctx, cb, failing)
		require.ErrorIs(t, err, errCall)

		_, err = Do(ctx, cb, succeeding)
		assert.ErrorIs(t, err, ErrOpenState)
	})
}

func TestFailurePredicate(t *testing.T) {
	errIgnored := errors.New("remote said no")
	cb := NewCircuitBreaker(1, 1, time.Hour, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, errIgnored)
	}))

	for range 3 {
		_, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 0, errIgnored })
		require.ErrorIs(t, err, errIgnored, "ignored errors still reach the caller")
	}
	assert.Equal(t, Closed, cb.State())

	_, _ = Do(context.Background(), cb, failing)
	assert.Equal(t, Open, cb.State())
}

func TestStateHookAndSingleTrial(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(1, 1, 10*time.Millisecond, WithStateHook(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	_, _ = Do(context.Background(), cb, failing)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), cb, func(context.Context) (int, error) {
			close(trialStarted)
			<-release
			return 1, nil
		})
		done <- err
	}()

	<-trialStarted
	_, err := Do(context.Background(), cb, succeeding)
	assert.ErrorIs(t, err, ErrOpenState, "only one trial call while half-open")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
