package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeExternal    ErrorType = "external"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeBlocked     ErrorType = "blocked"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeDownstream  ErrorType = "downstream"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewServiceUnavailableError is raised by the health gate when a dependency is
// UNAVAILABLE and the call is blocked before any network attempt.
func NewServiceUnavailableError(serviceID string) *AppError {
	return NewAppError(ErrorTypeUnavailable, "SERVICE_UNAVAILABLE",
		fmt.Sprintf("service %s is unavailable, request blocked", serviceID)).
		WithDetail("service", serviceID)
}

// NewNonCriticalBlockedError is raised when a dependency is IMPAIRED and the
// requested path is not on the critical allow-list.
func NewNonCriticalBlockedError(serviceID, path string) *AppError {
	return NewAppError(ErrorTypeBlocked, "NON_CRITICAL_BLOCKED",
		fmt.Sprintf("service %s is impaired, non-critical request to %s blocked", serviceID, path)).
		WithDetail("service", serviceID).
		WithDetail("path", path)
}

// NewCircuitOpenError is raised when the named circuit breaker rejects a call
// without attempting it.
func NewCircuitOpenError(name string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker %s is open", name)).
		WithDetail("breaker", name)
}

// NewDownstreamError wraps a structured non-2xx response from a dependency.
// Downstream application errors are never retried.
func NewDownstreamError(serviceID string, statusCode int, body string) *AppError {
	return NewAppError(ErrorTypeDownstream, "DOWNSTREAM_ERROR",
		fmt.Sprintf("service %s returned status %d", serviceID, statusCode)).
		WithDetail("service", serviceID).
		WithDetail("status_code", fmt.Sprintf("%d", statusCode)).
		WithDetail("body", body)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable reports whether the error class is worth retrying. Gate-blocked,
// circuit-open and downstream application errors are not; transport and
// timeout failures are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeTimeout, ErrorTypeExternal:
			return true
		default:
			return false
		}
	}
	// Unclassified errors are treated as transport failures.
	return true
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
