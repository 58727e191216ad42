package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Validation errors (VALIDATION_*) - bad input shape or range, never retried
	ErrorCodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrorCodeValidationMissingField ErrorCode = "VALIDATION_MISSING_FIELD"
	ErrorCodeValidationBadDate      ErrorCode = "VALIDATION_BAD_DATE"
	ErrorCodeValidationBadAmount    ErrorCode = "VALIDATION_BAD_AMOUNT"

	// Policy violations (POLICY_*) - structurally valid requests the business rules forbid
	ErrorCodePolicyNoticeTooShort    ErrorCode = "POLICY_NOTICE_TOO_SHORT"
	ErrorCodePolicyBookingWindow     ErrorCode = "POLICY_BOOKING_WINDOW"
	ErrorCodePolicyPauseDuration     ErrorCode = "POLICY_PAUSE_DURATION"
	ErrorCodePolicyInvalidTransition ErrorCode = "POLICY_INVALID_TRANSITION"
	ErrorCodePolicyTerminalState     ErrorCode = "POLICY_TERMINAL_STATE"

	// Subscription errors (SUB_*)
	ErrorCodeSubscriptionNotFound ErrorCode = "SUB_NOT_FOUND"
	ErrorCodeSubscriptionState    ErrorCode = "SUB_INVALID_STATE"

	// Payment provider errors (PROVIDER_*)
	ErrorCodeProviderTransient ErrorCode = "PROVIDER_TRANSIENT"
	ErrorCodeProviderRejected  ErrorCode = "PROVIDER_REJECTED"
	ErrorCodeProviderTimeout   ErrorCode = "PROVIDER_TIMEOUT"

	// Webhook reconciliation errors (RECONCILE_*)
	ErrorCodeReconcileConflict     ErrorCode = "RECONCILE_CONFLICT"
	ErrorCodeReconcileBadSignature ErrorCode = "RECONCILE_BAD_SIGNATURE"
	ErrorCodeReconcileBadPayload   ErrorCode = "RECONCILE_BAD_PAYLOAD"

	// Persistence errors (PERSISTENCE_*)
	ErrorCodePersistence ErrorCode = "PERSISTENCE_ERROR"

	// Internal errors (INTERNAL_*)
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	switch GetErrorCode(err) {
	case ErrorCodeValidationFailed, ErrorCodeValidationMissingField,
		ErrorCodeValidationBadDate, ErrorCodeValidationBadAmount:
		return true
	}
	return false
}

// IsPolicyViolation checks if an error is a business policy violation
func IsPolicyViolation(err error) bool {
	switch GetErrorCode(err) {
	case ErrorCodePolicyNoticeTooShort, ErrorCodePolicyBookingWindow,
		ErrorCodePolicyPauseDuration, ErrorCodePolicyInvalidTransition,
		ErrorCodePolicyTerminalState, ErrorCodeSubscriptionState:
		return true
	}
	return false
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return GetErrorCode(err) == ErrorCodeSubscriptionNotFound
}

// IsRetryable reports whether the operation that produced err may be retried.
// Provider 4xx rejections and validation/policy failures are never retryable.
func IsRetryable(err error) bool {
	switch GetErrorCode(err) {
	case ErrorCodeProviderTransient, ErrorCodeProviderTimeout, ErrorCodeReconcileConflict:
		return true
	}
	return false
}

// Structured error instances
var (
	ErrSubscriptionNotFound = NewDomainError(ErrorCodeSubscriptionNotFound, "subscription not found")
	ErrSubscriptionState    = NewDomainError(ErrorCodeSubscriptionState, "subscription is in invalid state for this operation")
	ErrTerminalState        = NewDomainError(ErrorCodePolicyTerminalState, "subscription is cancelled")
	ErrNoticeTooShort       = NewDomainError(ErrorCodePolicyNoticeTooShort, "requested start does not meet the minimum notice period")
	ErrBookingWindow        = NewDomainError(ErrorCodePolicyBookingWindow, "first service date outside the allowed booking window")
	ErrPauseDuration        = NewDomainError(ErrorCodePolicyPauseDuration, "pause duration outside allowed bounds")
	ErrInvalidTransition    = NewDomainError(ErrorCodePolicyInvalidTransition, "state transition not allowed")
	ErrMissingField         = NewDomainError(ErrorCodeValidationMissingField, "required field missing")
	ErrBadSignature         = NewDomainError(ErrorCodeReconcileBadSignature, "webhook signature verification failed")
	ErrReconcileConflict    = NewDomainError(ErrorCodeReconcileConflict, "webhook references unknown or mismatched subscription")
)
