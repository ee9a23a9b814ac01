// Package errors provides the structured error type used across stellasearch.
//
// Codes follow ERR_XXX_DESCRIPTION where the hundreds digit is the category:
//   - 1XX: configuration
//   - 2XX: storage and filesystem
//   - 3XX: backend and transport reachability
//   - 4XX: request validation
//   - 5XX: internal, query and watch failures
package errors

// Category classifies an error code.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryStorage    Category = "STORAGE"
	CategoryTransport  Category = "TRANSPORT"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal ends the task that hit it.
	SeverityFatal Severity = "FATAL"
	// SeverityError means the operation failed but the caller can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning means the operation degraded.
	SeverityWarning Severity = "WARNING"
)

const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"

	// Storage errors (200-299)
	ErrCodePathNotFound   = "ERR_201_PATH_NOT_FOUND"
	ErrCodePermission     = "ERR_202_PERMISSION_DENIED"
	ErrCodeCorruptIndex   = "ERR_204_CORRUPT_INDEX"
	ErrCodeStorageFailed  = "ERR_205_STORAGE_FAILED"
	ErrCodeDriverMissing  = "ERR_206_DRIVER_UNSUPPORTED"
	ErrCodeVolumeReadFail = "ERR_207_VOLUME_READ_FAILED"

	// Reachability errors (300-399)
	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeTransportFailed    = "ERR_302_TRANSPORT_FAILED"
	ErrCodeDaemonNotRunning   = "ERR_303_DAEMON_NOT_RUNNING"
	ErrCodeDaemonRunning      = "ERR_304_DAEMON_ALREADY_RUNNING"

	// Validation errors (400-499)
	ErrCodeInvalidRequest = "ERR_401_INVALID_REQUEST"
	ErrCodeInvalidMode    = "ERR_402_INVALID_MODE"
	ErrCodeInvalidPath    = "ERR_406_INVALID_PATH"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeQueryFailed       = "ERR_503_QUERY_FAILED"
	ErrCodeScanFailed        = "ERR_505_SCAN_FAILED"
	ErrCodeWatchSourceClosed = "ERR_507_WATCH_SOURCE_CLOSED"
)

func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryTransport
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeWatchSourceClosed, ErrCodeDaemonRunning:
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeTransportFailed, ErrCodeDaemonNotRunning:
		return true
	default:
		return false
	}
}
