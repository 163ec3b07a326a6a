package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeInvalidDescriptor indicates a malformed call descriptor, caught at enqueue
	ErrCodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"

	// ErrCodeUnauthorized indicates the role gate denied an action locally
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeSubmissionRejected indicates the signer declined or pre-flight simulation reverted
	ErrCodeSubmissionRejected ErrorCode = "SUBMISSION_REJECTED"

	// ErrCodeNetwork indicates transient RPC failures on reads or receipt polls
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeReverted indicates a mined transaction whose execution failed on-chain
	ErrCodeReverted ErrorCode = "REVERTED"

	// ErrCodeDropped indicates no receipt was observed within the drop timeout
	ErrCodeDropped ErrorCode = "DROPPED"

	// ErrCodeTimeout indicates timeout errors
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeDatabase indicates journal operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// TxError is the error payload carried by rejected entries, settled records
// and failed reads. Message is always human readable.
type TxError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Target   string                 `json:"target,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// NewTxError creates a new TxError
func NewTxError(code ErrorCode, target, message string, cause error) *TxError {
	return &TxError{
		Code:     code,
		Message:  message,
		Target:   target,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *TxError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Target, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *TxError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *TxError) WithContext(key string, value interface{}) *TxError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *TxError) WithSeverity(severity Severity) *TxError {
	e.Severity = severity
	return e
}

// IsRetryable returns true if the error is retryable
func (e *TxError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeTimeout:
		return true
	case ErrCodeDatabase:
		return e.Severity != SeverityCritical
	default:
		return false
	}
}

// IsTerminal reports whether the code ends a transaction's lifecycle.
func (e *TxError) IsTerminal() bool {
	switch e.Code {
	case ErrCodeSubmissionRejected, ErrCodeReverted, ErrCodeDropped:
		return true
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal:
		return SeverityCritical
	case ErrCodeDatabase:
		return SeverityHigh
	case ErrCodeReverted, ErrCodeDropped, ErrCodeSubmissionRejected:
		return SeverityMedium
	case ErrCodeNetwork, ErrCodeTimeout:
		return SeverityMedium
	case ErrCodeInvalidDescriptor, ErrCodeUnauthorized, ErrCodeConfig:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Common error constructors

// NewInvalidDescriptorError creates an INVALID_DESCRIPTOR error
func NewInvalidDescriptorError(target, message string) *TxError {
	return NewTxError(ErrCodeInvalidDescriptor, target, message, nil)
}

// NewUnauthorizedError creates an UNAUTHORIZED error
func NewUnauthorizedError(target, message string, cause error) *TxError {
	return NewTxError(ErrCodeUnauthorized, target, message, cause)
}

// NewSubmissionRejectedError creates a SUBMISSION_REJECTED error
func NewSubmissionRejectedError(target, message string, cause error) *TxError {
	return NewTxError(ErrCodeSubmissionRejected, target, message, cause)
}

// NewNetworkError creates a network error
func NewNetworkError(target, message string, cause error) *TxError {
	return NewTxError(ErrCodeNetwork, target, message, cause)
}

// NewRevertedError creates a REVERTED error. An empty reason yields the generic message.
func NewRevertedError(target, reason string) *TxError {
	if reason == "" {
		reason = "transaction reverted"
	}
	return NewTxError(ErrCodeReverted, target, reason, nil)
}

// NewDroppedError creates a DROPPED error
func NewDroppedError(target, message string) *TxError {
	return NewTxError(ErrCodeDropped, target, message, nil)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(target, message string) *TxError {
	return NewTxError(ErrCodeTimeout, target, message, nil)
}

// NewConfigError creates a configuration error
func NewConfigError(message string) *TxError {
	return NewTxError(ErrCodeConfig, "", message, nil)
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string, cause error) *TxError {
	return NewTxError(ErrCodeDatabase, "", message, cause)
}

// NewInternalError creates an internal error
func NewInternalError(target, message string, cause error) *TxError {
	return NewTxError(ErrCodeInternal, target, message, cause)
}
