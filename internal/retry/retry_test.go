package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

// failFirst fails the first n calls.
func failFirst(n int, attempts *int) Func {
	return func(context.Context) error {
		*attempts++
		if *attempts <= n {
			return errTransient
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		maxAttempts  int
		wantErr      error
		wantAttempts int
	}{
		{"first try", 0, 3, nil, 1},
		{"after retries", 2, 5, nil, 3},
		{"exhausted", 10, 4, errTransient, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int
			err := Do(context.Background(), failFirst(tt.failures, &attempts),
				WithMaxAttempts(tt.maxAttempts), WithBaseDelay(time.Millisecond))

			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantAttempts, attempts)
		})
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	var attempts int
	err := Do(ctx, failFirst(100, &attempts), WithMaxAttempts(10), WithBaseDelay(10*time.Millisecond))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, attempts, 10)
}

func TestDoUnrecoverable(t *testing.T) {
	permanent := errors.New("bad request")
	var attempts int
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return Unrecoverable(permanent)
	}, WithMaxAttempts(5), WithBaseDelay(time.Millisecond))

	assert.Same(t, permanent, err, "the wrapper is removed")
	assert.Equal(t, 1, attempts)
}

func TestCustomDelay(t *testing.T) {
	var delays int
	var attempts int
	err := Do(context.Background(), failFirst(2, &attempts),
		WithMaxAttempts(3),
		WithDelayFunc(func() func() time.Duration {
			return func() time.Duration {
				delays++
				return 0
			}
		}))

	assert.NoError(t, err)
	assert.Equal(t, 2, delays, "one delay between each pair of attempts")
}
