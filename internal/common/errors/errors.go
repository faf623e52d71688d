// Package errors provides standardized error handling for the enrichment
// pipeline and the job queue.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Provider errors
const (
	ErrCodeProviderAuthFailed  ErrorCode = "PROVIDER_AUTH_FAILED"
	ErrCodeProviderForbidden   ErrorCode = "PROVIDER_FORBIDDEN"
	ErrCodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeNoHealthyProvider   ErrorCode = "NO_HEALTHY_PROVIDER"
	ErrCodeUnknownProvider     ErrorCode = "UNKNOWN_PROVIDER"
	ErrCodeUnsupportedRequest  ErrorCode = "UNSUPPORTED_REQUEST_TYPE"
)

// Business / validation errors
const (
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeEmptyMergeInput     ErrorCode = "EMPTY_MERGE_INPUT"
)

// Infrastructure errors
const (
	ErrCodeDatabaseQueryFailed ErrorCode = "DATABASE_QUERY_FAILED"
	ErrCodeDatabaseConnFailed  ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeCacheUnavailable    ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeQueueShutdown       ErrorCode = "QUEUE_SHUTDOWN"
	ErrCodeJobNotFound         ErrorCode = "JOB_NOT_FOUND"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// IsRetryable reports whether err (or any error it wraps) is a StandardError
// marked retryable. Unknown errors default to retryable so transient
// infrastructure failures are not silently dead-lettered.
func IsRetryable(err error) bool {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// CodeOf extracts the error code, or empty string for non-standard errors.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ==========================
// 2. Error Constructors
// ==========================

// NewProviderAuthFailedError creates a non-retryable auth (401) error.
func NewProviderAuthFailedError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderAuthFailed,
		Message:   "Provider rejected credentials",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderForbiddenError creates a non-retryable forbidden (403) error.
func NewProviderForbiddenError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderForbidden,
		Message:   "Provider denied access to the requested resource",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderNotFoundError creates a non-retryable not-found (404) error.
func NewProviderNotFoundError(providerID, subject string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderNotFound,
		Message:   "Provider has no record for the requested entity",
		Details:   fmt.Sprintf("providerId: %s, subject: %s", providerID, subject),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderUnavailableError creates a retryable transient provider error.
func NewProviderUnavailableError(providerID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderUnavailable,
		Message:   "Provider call failed",
		Details:   fmt.Sprintf("providerId: %s, error: %v", providerID, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderTimeoutError creates a retryable timeout error.
func NewProviderTimeoutError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderTimeout,
		Message:   "Provider call timed out",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNoHealthyProviderError creates a non-retryable capability error.
func NewNoHealthyProviderError(providerType string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNoHealthyProvider,
		Message:   "No healthy provider available for the requested capability",
		Details:   fmt.Sprintf("providerType: %s", providerType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnknownProviderError creates a non-retryable lookup error.
func NewUnknownProviderError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownProvider,
		Message:   "Provider is not registered",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnsupportedRequestError creates a non-retryable capability mismatch error.
func NewUnsupportedRequestError(providerID, requestType string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnsupportedRequest,
		Message:   "Provider does not support the requested operation",
		Details:   fmt.Sprintf("providerId: %s, requestType: %s", providerID, requestType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInsufficientCreditsError creates a non-retryable business error.
func NewInsufficientCreditsError(workspaceID string, required int) *StandardError {
	return &StandardError{
		Code:      ErrCodeInsufficientCredits,
		Message:   "Workspace has insufficient enrichment credits",
		Details:   fmt.Sprintf("workspaceId: %s, required: %d", workspaceID, required),
		Retryable: false,
		Metadata:  map[string]interface{}{"requiredCredits": required},
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError creates a non-retryable validation error.
func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Input validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRateLimitedError creates a retryable throttle error carrying the wait.
func NewRateLimitedError(providerID string, retryAfter time.Duration) *StandardError {
	return &StandardError{
		Code:      ErrCodeRateLimited,
		Message:   "Provider rate limit exceeded",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: true,
		Metadata:  map[string]interface{}{"retryAfterMs": retryAfter.Milliseconds()},
		Timestamp: time.Now().UTC(),
	}
}

// NewEmptyMergeInputError creates a non-retryable merge error.
func NewEmptyMergeInputError() *StandardError {
	return &StandardError{
		Code:      ErrCodeEmptyMergeInput,
		Message:   "Cannot merge an empty result set",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseQueryFailedError creates a retryable query error.
func NewDatabaseQueryFailedError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseQueryFailed,
		Message:   "Database query failed",
		Details:   fmt.Sprintf("op: %s, error: %v", op, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnFailedError creates a retryable connectivity error for a
// backing store (postgres, redis).
func NewDatabaseConnFailedError(system string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnFailed,
		Message:   "Database connection failed",
		Details:   fmt.Sprintf("system: %s, error: %v", system, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewCacheUnavailableError creates a retryable cache-tier error.
func NewCacheUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCacheUnavailable,
		Message:   "Persistent cache tier unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueueShutdownError creates a non-retryable shutdown error.
func NewQueueShutdownError() *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueShutdown,
		Message:   "Queue manager is shut down",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewJobNotFoundError creates a non-retryable lookup error.
func NewJobNotFoundError(jobID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobNotFound,
		Message:   "Job not found",
		Details:   fmt.Sprintf("jobId: %s", jobID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}
