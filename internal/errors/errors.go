package errors

import (
	stderrors "errors"
	"fmt"
)

// StellaError is the structured error type returned at package boundaries
// where the caller needs a code, not just a message.
type StellaError struct {
	// Code is the unique error code (e.g., "ERR_205_STORAGE_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates the operation may succeed if attempted again.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *StellaError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *StellaError) Unwrap() error {
	return e.Cause
}

// Is matches another StellaError by code so errors.Is works against the
// exported sentinel values below.
func (e *StellaError) Is(target error) bool {
	if t, ok := target.(*StellaError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *StellaError) WithDetail(key, value string) *StellaError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *StellaError) WithSuggestion(suggestion string) *StellaError {
	e.Suggestion = suggestion
	return e
}

// New creates a StellaError. Category, severity and the retryable flag are
// derived from the code.
func New(code string, message string, cause error) *StellaError {
	return &StellaError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a StellaError from an existing error, reusing its message.
func Wrap(code string, err error) *StellaError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is comparisons. They carry no cause.
var (
	ErrUnavailable       = New(ErrCodeBackendUnavailable, "backend unavailable", nil)
	ErrQueryFailed       = New(ErrCodeQueryFailed, "query failed", nil)
	ErrStorage           = New(ErrCodeStorageFailed, "storage operation failed", nil)
	ErrInvalidRequest    = New(ErrCodeInvalidRequest, "invalid request", nil)
	ErrWatchSourceClosed = New(ErrCodeWatchSourceClosed, "watch event source closed", nil)
	ErrDaemonNotRunning  = New(ErrCodeDaemonNotRunning, "daemon is not running", nil)
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *StellaError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StorageError creates a storage-related error.
func StorageError(message string, cause error) *StellaError {
	return New(ErrCodeStorageFailed, message, cause)
}

// ValidationError creates a request validation error.
func ValidationError(message string, cause error) *StellaError {
	return New(ErrCodeInvalidRequest, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *StellaError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether any StellaError in err's chain is retryable.
func IsRetryable(err error) bool {
	var se *StellaError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsFatal reports whether any StellaError in err's chain has fatal severity.
func IsFatal(err error) bool {
	var se *StellaError
	if stderrors.As(err, &se) {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the code of the first StellaError in err's chain.
func GetCode(err error) string {
	var se *StellaError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}
