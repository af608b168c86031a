package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidType, http.StatusBadRequest},
		{ErrCodeValidationInvalidUserID, http.StatusBadRequest},
		{ErrCodeValidationInvalidVariables, http.StatusBadRequest},
		{ErrCodeValidationInvalidPriority, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeNotFoundStatus, http.StatusNotFound},
		{ErrCodeInfraBrokerUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInfraStoreUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrCodeDeliveryTransient, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorCode_Retryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeValidationInvalidType, false},
		{ErrCodeValidationMissingField, false},
		{ErrCodeDeliveryPermanent, false},
		{ErrCodeDeliveryCircuitOpen, false},
		{ErrCodeNotFoundStatus, false},
		{ErrCodeDeliveryTransient, true},
		{ErrCodeInfraBrokerUnavailable, true},
		{ErrCodeInfraStoreUnavailable, true},
		{ErrCodeInternalUnexpected, true},
	}

	for _, tt := range tests {
		if got := tt.code.Retryable(); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeDeliveryTransient, "gateway timed out", nil)

	want := "delivery_transient_failure: gateway timed out"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	sentinel := errors.New("connection refused")
	err := NewAppError(ErrCodeInfraBrokerUnavailable, "broker unreachable", sentinel)

	if !errors.Is(err, sentinel) {
		t.Error("errors.Is did not find the wrapped sentinel")
	}
}

func TestIsRetryable_AppErrorChain(t *testing.T) {
	inner := NewAppError(ErrCodeDeliveryPermanent, "bad address", nil)
	wrapped := fmt.Errorf("send failed: %w", inner)

	if IsRetryable(wrapped) {
		t.Error("IsRetryable returned true for a wrapped permanent failure")
	}
}

func TestIsRetryable_PlainErrorDefaultsTrue(t *testing.T) {
	if !IsRetryable(errors.New("dial tcp: i/o timeout")) {
		t.Error("IsRetryable returned false for a plain error; uncoded failures must default to retryable")
	}
}

func TestErrorCodeOf(t *testing.T) {
	inner := NewAppError(ErrCodeDeliveryCircuitOpen, "breaker open", nil)
	wrapped := fmt.Errorf("delivery aborted: %w", inner)

	if got := ErrorCodeOf(wrapped); got != ErrCodeDeliveryCircuitOpen {
		t.Errorf("ErrorCodeOf = %s, want %s", got, ErrCodeDeliveryCircuitOpen)
	}

	if got := ErrorCodeOf(errors.New("plain")); got != ErrCodeInternalUnexpected {
		t.Errorf("ErrorCodeOf(plain) = %s, want %s", got, ErrCodeInternalUnexpected)
	}
}

func TestNewAppErrorWithDetails(t *testing.T) {
	err := NewAppErrorWithDetails(ErrCodeValidationInvalidPriority, "invalid field Priority", nil,
		map[string]any{"field": "Priority", "rule": "max"})

	if err.Details["field"] != "Priority" {
		t.Errorf("Details[field] = %v, want Priority", err.Details["field"])
	}
	if err.Details["rule"] != "max" {
		t.Errorf("Details[rule] = %v, want max", err.Details["rule"])
	}
}
