package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStellaError_Unwrap_PreservesCause(t *testing.T) {
	// Given: an original error
	cause := errors.New("disk I/O error")

	// When: wrapping it
	err := New(ErrCodeStorageFailed, "batch upsert failed", cause)

	// Then: the cause is reachable through the chain
	require.NotNil(t, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestStellaError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{"config", ErrCodeConfigInvalid, "bad mode", "[ERR_102_CONFIG_INVALID] bad mode"},
		{"storage", ErrCodeStorageFailed, "locked", "[ERR_205_STORAGE_FAILED] locked"},
		{"backend", ErrCodeBackendUnavailable, "no bus", "[ERR_301_BACKEND_UNAVAILABLE] no bus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, New(tt.code, tt.message, nil).Error())
		})
	}
}

func TestStellaError_Is_MatchesSentinelThroughWrapping(t *testing.T) {
	err := fmt.Errorf("tracker search: %w", New(ErrCodeBackendUnavailable, "dbus down", nil))

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, errors.Is(err, ErrQueryFailed))
}

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigNotFound, CategoryConfig, SeverityError, false},
		{ErrCodeStorageFailed, CategoryStorage, SeverityError, false},
		{ErrCodeBackendUnavailable, CategoryTransport, SeverityWarning, true},
		{ErrCodeInvalidMode, CategoryValidation, SeverityError, false},
		{ErrCodeWatchSourceClosed, CategoryInternal, SeverityFatal, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestHelpers_InspectChain(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(ErrCodeWatchSourceClosed, "closed", nil))

	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, ErrCodeWatchSourceClosed, GetCode(wrapped))
	assert.Empty(t, GetCode(errors.New("plain")))
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestFormatForCLI(t *testing.T) {
	err := New(ErrCodeDaemonNotRunning, "daemon is not running", nil).
		WithSuggestion("start it with: stellasearch daemon start")

	out := FormatForCLI(err)

	assert.Contains(t, out, "Error: daemon is not running")
	assert.Contains(t, out, "Hint: start it with")
	assert.Contains(t, out, "Code: ERR_303_DAEMON_NOT_RUNNING")
	assert.Contains(t, FormatForCLI(errors.New("boom")), "ERR_501_INTERNAL")
	assert.Empty(t, FormatForCLI(nil))
}

func TestLogAttrs(t *testing.T) {
	err := New(ErrCodeStorageFailed, "flush failed", errors.New("busy")).WithDetail("batch", "3")

	attrs := LogAttrs(err)

	keys := make(map[string]string)
	for _, a := range attrs {
		keys[a.Key] = a.Value.String()
	}
	assert.Equal(t, ErrCodeStorageFailed, keys["error_code"])
	assert.Equal(t, "busy", keys["cause"])
	assert.Equal(t, "3", keys["detail_batch"])

	plain := LogAttrs(errors.New("x"))
	require.Len(t, plain, 1)
	assert.Equal(t, "error", plain[0].Key)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	calls := 0

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(ErrCodeInvalidRequest, "bad", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	calls := 0

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return ErrDaemonNotRunning
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDaemonNotRunning))
	assert.Equal(t, 3, calls)
}

func TestRetry_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
}
