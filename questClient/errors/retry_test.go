package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    1 * time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: []ErrorCode{ErrCodeNetwork},
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.Contains(t, config.RetryableErrors, ErrCodeNetwork)
	assert.Contains(t, config.RetryableErrors, ErrCodeTimeout)
}

func TestRetryWithConfig_Success(t *testing.T) {
	tests := []struct {
		name              string
		attemptsToSucceed int
	}{
		{name: "succeeds on first attempt", attemptsToSucceed: 1},
		{name: "succeeds on second attempt", attemptsToSucceed: 2},
		{name: "succeeds on last attempt", attemptsToSucceed: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			fn := func() error {
				attempts++
				if attempts < tt.attemptsToSucceed {
					return NewNetworkError("", "network error", nil)
				}
				return nil
			}

			err := RetryWithConfig(context.Background(), fn, fastConfig(3))

			assert.NoError(t, err)
			assert.Equal(t, tt.attemptsToSucceed, attempts)
		})
	}
}

func TestRetryWithConfig_NonRetryableError(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return NewInvalidDescriptorError("", "bad args")
	}

	err := RetryWithConfig(context.Background(), fn, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsTxError(err, ErrCodeInvalidDescriptor))
}

func TestRetryWithConfig_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return NewNetworkError("0xabc", "network error", nil)
	}

	err := RetryWithConfig(context.Background(), fn, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	var txErr *TxError
	require.True(t, As(err, &txErr))
	assert.Equal(t, ErrCodeNetwork, txErr.Code)
	assert.Equal(t, "maximum retry attempts exceeded", txErr.Context["wrapped_message"])
	assert.Equal(t, 3, txErr.Context["attempts"])
}

func TestRetryWithConfig_ContextCancellation(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        time.Second,
		Multiplier:      2.0,
		RetryableErrors: []ErrorCode{ErrCodeNetwork},
	}

	attempts := 0
	fn := func() error {
		attempts++
		return NewNetworkError("", "network error", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := RetryWithConfig(ctx, fn, config)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 5)
}

func TestRetryWithConfig_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := RetryWithConfig(ctx, func() error { called = true; return nil }, fastConfig(3))

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRetryNotify_ReportsAttempts(t *testing.T) {
	var seen []int
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	err := RetryNotify(context.Background(), fn, fastConfig(5), func(attempt int, err error, wait time.Duration) {
		seen = append(seen, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		retryableCodes []ErrorCode
		expected       bool
	}{
		{
			name:           "network error is retryable",
			err:            NewNetworkError("", "network error", nil),
			retryableCodes: []ErrorCode{ErrCodeNetwork},
			expected:       true,
		},
		{
			name:           "reverted is not retryable",
			err:            NewRevertedError("", "Ownable: caller is not the owner"),
			retryableCodes: []ErrorCode{ErrCodeNetwork},
			expected:       false,
		},
		{
			name:           "submission rejection is never retried",
			err:            ClassifySubmitError("", ErrUserRejected),
			retryableCodes: []ErrorCode{ErrCodeNetwork},
			expected:       false,
		},
		{
			name:           "database error with non-critical severity is retryable",
			err:            NewDatabaseError("locked", nil),
			retryableCodes: []ErrorCode{},
			expected:       true,
		},
		{
			name:           "generic error falls back to pattern check",
			err:            errors.New("dial tcp: i/o timeout"),
			retryableCodes: []ErrorCode{ErrCodeNetwork},
			expected:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err, tt.retryableCodes))
		})
	}
}
