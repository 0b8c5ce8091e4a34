package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormat(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("boom")
	err := New(KindSendError, "write failed", true, cause)
	assert.Equal(t, "send_error: write failed: boom", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))

	bare := NewNoConnection("no extension attached")
	assert.Equal(t, "no_connection: no extension attached", bare.Error())
}

func TestKindThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewMessageTimeout("no response within 30s")
	wrapped := fmt.Errorf("dispatch: %w", inner)

	assert.Equal(t, KindMessageTimeout, Kind(wrapped))
	assert.True(t, Is(wrapped, KindMessageTimeout))
	assert.True(t, IsRetryable(wrapped))
}

func TestRetryabilityPerKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       *Error
		retryable bool
	}{
		{"no connection", NewNoConnection("x"), true},
		{"no connected tab", NewNoConnectedTab("x"), true},
		{"message timeout", NewMessageTimeout("x"), true},
		{"send error", NewSendError("x", nil), true},
		{"connection closed", NewConnectionClosed("x"), true},
		{"max retries", NewMaxRetriesExceeded(3, stderrors.New("last")), false},
		{"lock timeout", NewLockAcquireTimeout(5), false},
		{"cancelled", NewCancelled("x"), false},
		{"no ports", NewNoPortsAvailable("x"), false},
		{"shutting down", NewShuttingDown(), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.retryable, tc.err.Retryable)
		})
	}
}

func TestMaxRetriesExceededWrapsLastCause(t *testing.T) {
	t.Parallel()

	last := NewConnectionClosed("socket closed")
	err := NewMaxRetriesExceeded(3, last)

	require.Equal(t, 3, err.Attempts)
	assert.False(t, IsRetryable(err))

	var inner *Error
	require.True(t, stderrors.As(stderrors.Unwrap(err), &inner))
	assert.Equal(t, KindConnectionClosed, inner.Kind)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message   string
		retryable bool
	}{
		{"network timeout", true},
		{"request timed out", true},
		{"socket closed", true},
		{"not yet connected", true},
		{"server busy, try later", true},
		{"rate limit exceeded", true},
		{"temporary failure", true},
		{"invalid reference: ref-42", false},
		{"element not found", false},
		{"selector invalid: #does-not-parse", false},
		{"permission denied", false},
		{"invalid parameter: tabId", false},
		{"something entirely novel", true},
		{"Element Not Found", false},
	}
	for _, tc := range tests {
		t.Run(tc.message, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.retryable, Classify(tc.message), "message %q", tc.message)
		})
	}
}

func TestExtensionErrorClassifies(t *testing.T) {
	t.Parallel()

	assert.True(t, NewExtensionError("network glitch").Retryable)
	assert.False(t, NewExtensionError("element not found").Retryable)
}

func TestIsRetryableDefaults(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	// Plain errors without a broker kind default to retryable.
	assert.True(t, IsRetryable(stderrors.New("who knows")))
}
