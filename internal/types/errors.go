package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and workers MUST use these constants instead
// of hardcoded strings: the code prefix drives both the HTTP status mapping
// and the retry classification.
const (
	// Validation (400) - client-correctable, never retried.
	ErrCodeValidationInvalidType      ErrorCode = "validation_invalid_notification_type"
	ErrCodeValidationInvalidUserID    ErrorCode = "validation_invalid_user_id"
	ErrCodeValidationInvalidVariables ErrorCode = "validation_invalid_variables"
	ErrCodeValidationInvalidPriority  ErrorCode = "validation_invalid_priority"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"

	// Not Found (404)
	ErrCodeNotFoundStatus ErrorCode = "not_found_notification_status"

	// Infrastructure (503) - broker or store unreachable at ingestion time.
	// The caller is expected to retry the whole request later; idempotency
	// makes that safe.
	ErrCodeInfraBrokerUnavailable ErrorCode = "infrastructure_broker_unavailable"
	ErrCodeInfraStoreUnavailable  ErrorCode = "infrastructure_store_unavailable"

	// Delivery-path failures. These never surface over HTTP; they are
	// captured at the worker boundary and converted into a status write.
	ErrCodeDeliveryTransient   ErrorCode = "delivery_transient_failure"
	ErrCodeDeliveryPermanent   ErrorCode = "delivery_permanent_failure"
	ErrCodeDeliveryCircuitOpen ErrorCode = "delivery_circuit_open"

	// Internal (500)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "infrastructure_"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an error carrying this code represents a
// transient condition worth re-attempting. Validation and permanent delivery
// failures are deterministic; re-attempting them wastes the retry budget.
// An open circuit is transient in nature but is excluded so the retry
// executor fails fast instead of spinning against a breaker that will not
// admit calls until its reset timeout elapses.
func (c ErrorCode) Retryable() bool {
	switch {
	case strings.HasPrefix(string(c), "validation_"):
		return false
	case c == ErrCodeDeliveryPermanent:
		return false
	case c == ErrCodeDeliveryCircuitOpen:
		return false
	case c == ErrCodeNotFoundStatus:
		return false
	}
	return true
}

// AppError is the standard application error type used throughout the
// pipeline. All domain errors should be expressed as AppError to enable
// consistent HTTP status mapping, retry classification, and error chains.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError constructs an AppError wrapping an optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails constructs an AppError with structured details for
// the client.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// IsRetryable inspects the error chain for an AppError and reports whether
// the failure is transient. Errors that are not AppErrors (raw network
// failures, provider client errors) are assumed transient: the safe default
// for an at-least-once pipeline is to retry.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return true
}

// ErrorCodeOf extracts the ErrorCode from the error chain, or
// ErrCodeInternalUnexpected when the error carries no code.
func ErrorCodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
