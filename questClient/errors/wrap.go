package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Failures reported by the external signer/submit capability.
var (
	ErrUserRejected       = errors.New("user rejected the request")
	ErrInsufficientFunds  = errors.New("insufficient funds for gas * price + value")
	ErrSimulationReverted = errors.New("pre-flight simulation reverted")
)

// Failures reported by the external read capability.
var (
	ErrContractReverted = errors.New("contract call reverted")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WrapTxError wraps an error as a TxError if it isn't already one
func WrapTxError(err error, code ErrorCode, target, message string) *TxError {
	if err == nil {
		return nil
	}

	var txErr *TxError
	if errors.As(err, &txErr) {
		txErr.WithContext("wrapped_message", message)
		if target != "" && txErr.Target == "" {
			txErr.Target = target
		}
		return txErr
	}

	return NewTxError(code, target, message, err)
}

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns a plain error.
func New(message string) error {
	return errors.New(message)
}

// IsTxError checks if an error is a TxError with specific code
func IsTxError(err error, code ErrorCode) bool {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.Code == code
	}
	return false
}

// CodeOf returns the TxError code of err, or "" if err is not a TxError.
func CodeOf(err error) ErrorCode {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.Code
	}
	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"eof",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// ClassifySubmitError maps a signer failure onto SUBMISSION_REJECTED, keeping
// the signer's classification reachable through errors.Is.
func ClassifySubmitError(target string, err error) *TxError {
	if err == nil {
		return nil
	}
	var txErr *TxError
	if errors.As(err, &txErr) && txErr.Code == ErrCodeSubmissionRejected {
		return txErr
	}

	switch {
	case errors.Is(err, ErrUserRejected):
		return NewSubmissionRejectedError(target, "signing request rejected by user", err)
	case errors.Is(err, ErrInsufficientFunds):
		return NewSubmissionRejectedError(target, "insufficient funds to cover value and gas", err)
	case errors.Is(err, ErrSimulationReverted):
		return NewSubmissionRejectedError(target, "transaction would revert", err)
	case IsRetryable(err):
		return NewSubmissionRejectedError(target, "rpc unreachable during submission", err).
			WithContext("network", true)
	default:
		return NewSubmissionRejectedError(target, "submission failed", err)
	}
}

// Message returns the human readable message of err, preferring the TxError message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.Message
	}
	return err.Error()
}
