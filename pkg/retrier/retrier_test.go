package retrier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmux/tabmux/pkg/errors"
)

func fastConfig() Config {
	return Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   2,
	}
}

func TestSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	v, attempts, err := Do(context.Background(), fastConfig(), func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, attempts)
}

func TestRetryOnTransientError(t *testing.T) {
	t.Parallel()

	calls := 0
	v, attempts, err := Do(context.Background(), fastConfig(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.NewExtensionError("network timeout")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}

func TestNonRetryableShortCircuits(t *testing.T) {
	t.Parallel()

	calls := 0
	_, attempts, err := Do(context.Background(), fastConfig(), func() (string, error) {
		calls++
		return "", errors.NewExtensionError("element not found")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, errors.KindExtensionError))
	assert.False(t, errors.IsRetryable(err))
}

func TestExhaustionWrapsMaxRetriesExceeded(t *testing.T) {
	t.Parallel()

	_, attempts, err := Do(context.Background(), fastConfig(), func() (string, error) {
		return "", errors.NewConnectionClosed("socket closed")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	assert.True(t, errors.Is(err, errors.KindMaxRetriesExceeded))
	assert.False(t, errors.IsRetryable(err))

	var brokerErr *errors.Error
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, 3, brokerErr.Attempts)

	var cause *errors.Error
	require.ErrorAs(t, brokerErr.Cause, &cause)
	assert.Equal(t, errors.KindConnectionClosed, cause.Kind)
}

func TestZeroRetriesMeansSingleAttempt(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxRetries = 0

	calls := 0
	_, attempts, err := Do(context.Background(), cfg, func() (string, error) {
		calls++
		return "", errors.NewMessageTimeout("deadline expired")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelaysBetweenAttempts(t *testing.T) {
	t.Parallel()

	cfg := Config{
		InitialDelay: 30 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   1,
	}

	start := time.Now()
	_, _, err := Do(context.Background(), cfg, func() (string, error) {
		return "", errors.NewMessageTimeout("deadline expired")
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"second attempt should wait at least the initial delay")
}

func TestContextCancellationStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		_, _, err := Do(ctx, cfg, func() (string, error) {
			return "", errors.NewMessageTimeout("deadline expired")
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe context cancellation")
	}
}
