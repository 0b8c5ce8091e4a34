// Package retrier wraps request attempts in an exponential-backoff retry
// loop with error classification.
//
// Non-retryable errors propagate immediately. Retryable errors that exhaust
// their attempts surface as a MaxRetriesExceeded error wrapping the last
// cause. Retries never interpret semantic failures; classification lives in
// pkg/errors.
package retrier

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tabmux/tabmux/pkg/errors"
	"github.com/tabmux/tabmux/pkg/logger"
)

// Config controls the retry loop.
type Config struct {
	// InitialDelay is the first backoff interval
	InitialDelay time.Duration
	// MaxDelay caps the backoff interval
	MaxDelay time.Duration
	// Multiplier grows the interval between attempts
	Multiplier float64
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
}

// DefaultConfig returns the broker's standard retry policy: base delay 1 s,
// multiplier 2, cap 5 s, two retries.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxRetries:   2,
	}
}

// Do runs op until it succeeds, fails terminally, or exhausts its attempts.
// It returns the result, the number of attempts made, and the final error.
// Each attempt is a fresh call; callers must use fresh wire ids per attempt.
func Do[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, int, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := op()
		if err != nil && !errors.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialDelay
	expBackoff.MaxInterval = cfg.MaxDelay
	expBackoff.Multiplier = cfg.Multiplier
	expBackoff.RandomizationFactor = 0
	expBackoff.Reset()

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)), // #nosec G115 -- includes the initial attempt
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debugf("retrying after %v (attempt %d): %v", delay, attempts, err)
		}),
	)
	if err == nil {
		return v, attempts, nil
	}

	var perm *backoff.PermanentError
	if stderrors.As(err, &perm) {
		err = perm.Unwrap()
	}

	// A retryable error that survived the loop ran out of attempts.
	if errors.IsRetryable(err) && attempts > cfg.MaxRetries {
		err = errors.NewMaxRetriesExceeded(attempts, err)
	}
	return v, attempts, err
}
