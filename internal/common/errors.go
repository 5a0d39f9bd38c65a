package common

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies an error kind at the API boundary.
type ErrorCode string

const (
	ErrValidation         ErrorCode = "validation_error"
	ErrNavigation         ErrorCode = "navigation_error"
	ErrScreenshot         ErrorCode = "screenshot_error"
	ErrSystemOverloaded   ErrorCode = "system_overloaded"
	ErrBrowser            ErrorCode = "browser_error"
	ErrStorage            ErrorCode = "storage_error"
	ErrUpload             ErrorCode = "upload_error"
	ErrInternal           ErrorCode = "internal"
	ErrCircuitBreakerOpen ErrorCode = "circuit_breaker_open"
	ErrMaxRetriesExceeded ErrorCode = "max_retries_exceeded"
	ErrRateLimited        ErrorCode = "rate_limited"
)

// ServiceError is a structured domain error carrying a code for HTTP mapping
// by the API collaborator. Internal traces never leak through Details.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.cause
}

// NewServiceError creates a structured error with the given code.
func NewServiceError(code ErrorCode, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, cause: cause}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the error code from an error chain, defaulting to internal.
func CodeOf(err error) ErrorCode {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrInternal
}

// ValidationError creates a validation_error with a field detail.
func ValidationError(message string) *ServiceError {
	return NewServiceError(ErrValidation, message, nil)
}

// PoolExhaustedError signals that no browser slot became available within the
// bounded wait. Stats are attached for the 429-class response body.
func PoolExhaustedError(stats map[string]interface{}) *ServiceError {
	e := NewServiceError(ErrSystemOverloaded, "browser pool exhausted", nil)
	for k, v := range stats {
		e.WithDetail(k, v)
	}
	return e
}

// CircuitOpenError signals fail-fast rejection while the breaker is open.
// remaining is the estimated time until the breaker admits traffic again.
func CircuitOpenError(operation string, remaining time.Duration) *ServiceError {
	return NewServiceError(ErrCircuitBreakerOpen, fmt.Sprintf("circuit breaker open for %s", operation), nil).
		WithDetail("retry_after_seconds", remaining.Seconds())
}

// RetriesExceededError wraps the final cause after all retries are exhausted.
func RetriesExceededError(operation string, retries int, cause error) *ServiceError {
	return NewServiceError(ErrMaxRetriesExceeded, fmt.Sprintf("operation %s failed after %d retries", operation, retries), cause).
		WithDetail("operation", operation).
		WithDetail("retries", retries)
}
