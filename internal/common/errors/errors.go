// Package errors provides custom error types for the Ferry broker.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeAgentUnavailable    = "AGENT_UNAVAILABLE"
	ErrCodeRunnerError         = "RUNNER_ERROR"
	ErrCodeStreamError         = "STREAM_ERROR"
	ErrCodeReadTimeout         = "READ_TIMEOUT"
	ErrCodeExternalSessionBusy = "EXTERNAL_SESSION_BUSY"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ValidationError creates a new validation error. Surfaced as HTTP 422.
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// InvalidState creates a new state-conflict error. Surfaced as HTTP 409.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AgentUnavailable creates an error for an unreachable runner backend.
// The session is expected to transition to ERROR alongside this.
func AgentUnavailable(backend string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    fmt.Sprintf("agent backend '%s' is unreachable", backend),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// RunnerError creates an error for a runner failure other than unreachability.
func RunnerError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRunnerError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StreamError creates an error for a sidecar event stream failure.
// These are surfaced as events only and retried in the background.
func StreamError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStreamError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ReadTimeout creates an error for a sidecar stream read that exceeded its deadline.
func ReadTimeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeReadTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ExternalSessionBusy creates an error for a resume target owned by another CLI.
func ExternalSessionBusy(externalID string) *AppError {
	return &AppError{
		Code:       ErrCodeExternalSessionBusy,
		Message:    fmt.Sprintf("external session '%s' is in use by another process", externalID),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsInvalidState checks if the error is a state-conflict error.
func IsInvalidState(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidState
	}
	return false
}

// IsValidationError checks if the error is a validation error.
func IsValidationError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidationError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCode returns the error code for an error, or INTERNAL_ERROR if the
// error is not an AppError.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}
