// Package errors provides custom error types for the Runforge application.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeValidationError   = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodePermissionTimeout = "PERMISSION_TIMEOUT"
	ErrCodeAborted           = "ABORTED"
	ErrCodeExecutionError    = "EXECUTION_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
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

// ToAPIError converts the error to its wire representation.
func (e *AppError) ToAPIError() *v1.APIError {
	return &v1.APIError{Code: e.Code, Message: e.Message}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a new validation error for a specific field.
// The message carries the first violated constraint only.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// PermissionDenied creates an error for a denied confirmation handshake.
func PermissionDenied(message string) *AppError {
	if message == "" {
		message = "permission denied"
	}
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// PermissionTimeout creates an error for a confirmation that expired unanswered.
func PermissionTimeout(message string) *AppError {
	if message == "" {
		message = "permission request timed out"
	}
	return &AppError{
		Code:       ErrCodePermissionTimeout,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Aborted creates an error for an operation cut short by cancellation.
func Aborted(message string) *AppError {
	if message == "" {
		message = "operation aborted"
	}
	return &AppError{
		Code:       ErrCodeAborted,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ExecutionError creates an error for a tool body that failed.
func ExecutionError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutionError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
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

// FromError coerces any error into an AppError, defaulting to EXECUTION_ERROR.
// Context cancellation maps to ABORTED.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Aborted(err.Error())
	}
	return ExecutionError(err.Error(), err)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsAborted checks if the error represents an observed cancellation.
func IsAborted(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeAborted
	}
	return errors.Is(err, context.Canceled)
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
