// Package retry runs remote calls with exponential backoff. Only errors marked with
// Retryable are retried.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Cap on any single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// OnRetry, if set, is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the defaults used for remote filesystem calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Backoff returns the wait after the given failed attempt (1-based), capped at MaxWait
// and spread by Jitter.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns its result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}
