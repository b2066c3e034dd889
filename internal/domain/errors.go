package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppError represents a domain-specific error with structured information and enhanced context
type AppError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Cause      error     `json:"-"` // Original error, not serialized
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

type requestIDKey struct{}

// ContextWithRequestID stores a request id for WithContext to pick up
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// WithContext adds context information to the error
func (e *AppError) WithContext(ctx context.Context, operation string) *AppError {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		e.RequestID = id
	}
	e.Operation = operation
	return e
}

// Error codes for different error categories
const (
	ErrInvalidInput     = "INVALID_INPUT"     // 400 Bad Request
	ErrValidationFailed = "VALIDATION_FAILED" // 422 Unprocessable Entity
	ErrNotFound         = "NOT_FOUND"         // 404 Not Found
	ErrInternal         = "INTERNAL_ERROR"    // 500 Internal Server Error
	ErrTimeout          = "TIMEOUT"           // 408 Request Timeout
	ErrTooLarge         = "PAYLOAD_TOO_LARGE" // 413 Payload Too Large
	ErrRateLimit        = "RATE_LIMIT"        // 429 Too Many Requests

	ErrStorageFailed = "STORAGE_FAILED" // 500 persisted state could not be read or written
	ErrHistoryFailed = "HISTORY_FAILED" // 502 history deletion call failed
)

// NewAppError creates a new AppError with the specified parameters
func NewAppError(code, message string, statusCode int, details any) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
		Timestamp:  time.Now(),
	}
}

// NewAppErrorWithCause creates a new AppError with underlying cause
func NewAppErrorWithCause(code, message string, statusCode int, cause error, details any) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// AsAppError extracts an AppError from err, wrapping unknown errors as internal
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewAppErrorWithCause(ErrInternal, "Internal error", 500, err, nil)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrValidationFailed
}

// IsStorageError checks if the error came from the state store
func IsStorageError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrStorageFailed
}
