// Package apperrors provides the application-specific error type used for the
// "Validation" and "external-store miss" error kinds described in the steward
// subsystem's error handling design. Subprocess and session failures are
// represented as typed domain results instead (TestResult, MergeProcessResult)
// and never wrapped here.
package apperrors

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL_ERROR"
)

// AppError is a coded application error with an optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound builds a not-found error for the named resource/id pair.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Validation builds a validation error with a free-form message.
func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

// Conflict builds a conflict error, e.g. a duplicate fix task.
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// Internal wraps an unexpected error with additional context.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// IsNotFound reports whether err is (or wraps) a not-found AppError.
func IsNotFound(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == CodeNotFound
	}
	return false
}

// IsValidation reports whether err is (or wraps) a validation AppError.
func IsValidation(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == CodeValidation
	}
	return false
}
