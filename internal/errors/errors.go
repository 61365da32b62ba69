package errors

import (
	"errors"
	"fmt"
)

// SiftError is the structured error type for imgsift.
type SiftError struct {
	// Code is the unique error code (e.g., "ERR_201_OBJECT_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *SiftError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SiftError) Unwrap() error {
	return e.Cause
}

// Is matches another SiftError by code, so errors.Is works on codes.
func (e *SiftError) Is(target error) bool {
	if t, ok := target.(*SiftError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *SiftError) WithDetail(key, value string) *SiftError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *SiftError) WithSuggestion(suggestion string) *SiftError {
	e.Suggestion = suggestion
	return e
}

// New creates a SiftError. Category, severity and the retryable flag are
// derived from the code.
func New(code string, message string, cause error) *SiftError {
	return &SiftError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SiftError from an existing error, reusing its message.
func Wrap(code string, err error) *SiftError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration error.
func ConfigError(message string, cause error) *SiftError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation error.
func ValidationError(message string, cause error) *SiftError {
	return New(ErrCodeInvalidInput, message, cause)
}

// ModelError creates a retryable model-service error.
func ModelError(message string, cause error) *SiftError {
	return New(ErrCodeModelUnavailable, message, cause)
}

// as finds the outermost SiftError in the chain.
func as(err error) (*SiftError, bool) {
	var se *SiftError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether any SiftError in the chain is retryable.
func IsRetryable(err error) bool {
	if se, ok := as(err); ok {
		return se.Retryable
	}
	return false
}

// IsFatal reports whether the error has fatal severity.
func IsFatal(err error) bool {
	if se, ok := as(err); ok {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" if err carries none.
func GetCode(err error) string {
	if se, ok := as(err); ok {
		return se.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	return errors.Is(err, &SiftError{Code: code})
}
