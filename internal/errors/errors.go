package errors

import (
	"errors"
	"fmt"
)

// ExpertError is the structured error type for the retrieval core.
// It carries enough context for logging, retry decisions and CLI presentation.
type ExpertError struct {
	// Code is the unique error code (e.g., "ERR_403_INVALID_FILTER").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Store, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *ExpertError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ExpertError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an ExpertError with the same code.
func (e *ExpertError) Is(target error) bool {
	if t, ok := target.(*ExpertError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *ExpertError) WithDetail(key, value string) *ExpertError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *ExpertError) WithSuggestion(suggestion string) *ExpertError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ExpertError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *ExpertError {
	return &ExpertError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an ExpertError from an existing error.
// The error's message becomes the ExpertError message.
func Wrap(code string, err error) *ExpertError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *ExpertError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StoreError creates a store-related error.
func StoreError(message string, cause error) *ExpertError {
	return New(ErrCodeStoreUnavailable, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are retryable.
func NetworkError(message string, cause error) *ExpertError {
	return New(ErrCodeNetworkUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *ExpertError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *ExpertError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first ExpertError in err's chain.
func As(err error) (*ExpertError, bool) {
	var ee *ExpertError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsRetryable reports whether any ExpertError in the chain is retryable.
func IsRetryable(err error) bool {
	if ee, ok := As(err); ok {
		return ee.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	if ee, ok := As(err); ok {
		return ee.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from an ExpertError.
// Returns empty string if the chain holds no ExpertError.
func GetCode(err error) string {
	if ee, ok := As(err); ok {
		return ee.Code
	}
	return ""
}
