package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	failure := errors.New("still broken")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return failure
	})
	require.ErrorIs(t, err, failure)
	require.Equal(t, 3, calls)
}

func TestDoPermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	rejected := errors.New("request rejected")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return Permanent(rejected)
	})
	require.Equal(t, 1, calls)
	// The marker is unwrapped before returning.
	require.Equal(t, rejected, err)
}

func TestDoPermanentWrappedInChain(t *testing.T) {
	calls := 0
	rejected := errors.New("bad input")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return Permanent(errors.Join(errors.New("embed"), rejected))
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, rejected)
}

func TestPermanentNil(t *testing.T) {
	require.Nil(t, Permanent(nil))
}

func TestDoRespectsRetryableList(t *testing.T) {
	cfg := fastConfig()
	retryable := errors.New("retry me")
	cfg.RetryableErrors = []error{retryable}

	calls := 0
	other := errors.New("not listed")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return other
	})
	require.ErrorIs(t, err, other)
	require.Equal(t, 1, calls)
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(), func() error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return []float32{0.1, 0.2}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2}, got)
	require.Equal(t, 2, calls)
}
