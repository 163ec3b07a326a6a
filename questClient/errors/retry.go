package errors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64
	RetryableErrors []ErrorCode
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []ErrorCode{
			ErrCodeNetwork,
			ErrCodeTimeout,
		},
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// newBackOff builds the exponential policy bounded by MaxAttempts and ctx.
func (c *RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialDelay
	exp.MaxInterval = c.MaxDelay
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// RetryWithConfig retries a function with custom configuration. Errors that
// are not retryable stop immediately and are returned unchanged.
func RetryWithConfig(ctx context.Context, fn RetryFunc, config *RetryConfig) error {
	return RetryNotify(ctx, fn, config, nil)
}

// RetryNotify is RetryWithConfig with a callback invoked before each wait.
func RetryNotify(ctx context.Context, fn RetryFunc, config *RetryConfig, notify func(attempt int, err error, wait time.Duration)) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err, config.RetryableErrors) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onWait backoff.Notify
	if notify != nil {
		onWait = func(err error, wait time.Duration) { notify(attempts, err, wait) }
	}

	err := backoff.RetryNotify(op, config.newBackOff(ctx), onWait)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		return ctxErr
	}
	if lastErr == nil || !isRetryableError(lastErr, config.RetryableErrors) {
		return err
	}

	return WrapTxError(
		lastErr,
		ErrCodeInternal,
		"",
		"maximum retry attempts exceeded",
	).WithContext("attempts", attempts)
}

// Retry retries a function with default configuration
func Retry(ctx context.Context, fn RetryFunc) error {
	return RetryWithConfig(ctx, fn, DefaultRetryConfig())
}

// isRetryableError checks if an error is retryable based on configuration
func isRetryableError(err error, retryableCodes []ErrorCode) bool {
	var txErr *TxError
	if As(err, &txErr) {
		for _, code := range retryableCodes {
			if txErr.Code == code {
				return true
			}
		}
		return txErr.IsRetryable()
	}

	return IsRetryable(err)
}
