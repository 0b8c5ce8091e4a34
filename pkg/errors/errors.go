// Package errors provides the error taxonomy for the tabmux broker.
//
// Every failure that can reach a client is represented as an *Error with a
// stable machine-readable kind and a retryability flag. The dispatcher
// translates these into the uniform structured result returned on the client
// surface; nothing is silently swallowed.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds
const (
	// KindNoConnection is returned when no extension is attached
	KindNoConnection = "no_connection"

	// KindNoConnectedTab is returned when a session has no usable tab
	KindNoConnectedTab = "no_connected_tab"

	// KindMessageTimeout is returned when a correlated response did not arrive in time
	KindMessageTimeout = "message_timeout"

	// KindSendError is returned when writing to the extension socket failed
	KindSendError = "send_error"

	// KindConnectionClosed is returned when the extension connection closed mid-flight
	KindConnectionClosed = "connection_closed"

	// KindExtensionError is returned when the extension reported a command failure
	KindExtensionError = "extension_error"

	// KindMaxRetriesExceeded is returned when a retryable error exhausted its attempts
	KindMaxRetriesExceeded = "max_retries_exceeded"

	// KindLockAcquireTimeout is returned when a tab lock could not be acquired in time
	KindLockAcquireTimeout = "lock_acquire_timeout"

	// KindCancelled is returned when the session or deadline cancelled the call
	KindCancelled = "cancelled"

	// KindNoPortsAvailable is returned when the port pool is exhausted at startup
	KindNoPortsAvailable = "no_ports_available"

	// KindShuttingDown is returned for calls cancelled by broker shutdown
	KindShuttingDown = "shutting_down"

	// KindInvalidRequest is returned when the client request cannot be parsed
	KindInvalidRequest = "invalid_request"
)

// Error represents a broker failure with a stable kind and retryability.
type Error struct {
	// Kind is the machine-readable error kind
	Kind string

	// Message is the human-readable error message
	Message string

	// Retryable reports whether a fresh attempt may succeed
	Retryable bool

	// Attempts is how many attempts were made before this error surfaced
	Attempts int

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new broker error
func New(kind, message string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewNoConnection creates a retryable no-extension-attached error
func NewNoConnection(message string) *Error {
	return New(KindNoConnection, message, true, nil)
}

// NewNoConnectedTab creates a retryable no-usable-tab error
func NewNoConnectedTab(message string) *Error {
	return New(KindNoConnectedTab, message, true, nil)
}

// NewMessageTimeout creates a retryable correlation-timeout error
func NewMessageTimeout(message string) *Error {
	return New(KindMessageTimeout, message, true, nil)
}

// NewSendError creates a retryable socket-write error
func NewSendError(message string, cause error) *Error {
	return New(KindSendError, message, true, cause)
}

// NewConnectionClosed creates a retryable connection-closed error
func NewConnectionClosed(message string) *Error {
	return New(KindConnectionClosed, message, true, nil)
}

// NewExtensionError creates an error reported by the extension, with
// retryability classified from the reported message (see Classify).
func NewExtensionError(message string) *Error {
	return New(KindExtensionError, message, Classify(message), nil)
}

// NewMaxRetriesExceeded creates a terminal error wrapping the last cause
func NewMaxRetriesExceeded(attempts int, cause error) *Error {
	return &Error{
		Kind:      KindMaxRetriesExceeded,
		Message:   fmt.Sprintf("giving up after %d attempts", attempts),
		Retryable: false,
		Attempts:  attempts,
		Cause:     cause,
	}
}

// NewLockAcquireTimeout creates a terminal lock-timeout error for this call
func NewLockAcquireTimeout(tabID int) *Error {
	return New(KindLockAcquireTimeout, fmt.Sprintf("timed out waiting for lock on tab %d", tabID), false, nil)
}

// NewCancelled creates a terminal cancellation error
func NewCancelled(message string) *Error {
	return New(KindCancelled, message, false, nil)
}

// NewNoPortsAvailable creates a fatal port-pool-exhausted error
func NewNoPortsAvailable(message string) *Error {
	return New(KindNoPortsAvailable, message, false, nil)
}

// NewShuttingDown creates a terminal shutdown error
func NewShuttingDown() *Error {
	return New(KindShuttingDown, "broker is shutting down", false, nil)
}

// NewInvalidRequest creates a terminal malformed-request error
func NewInvalidRequest(message string, cause error) *Error {
	return New(KindInvalidRequest, message, false, cause)
}

// IsRetryable reports whether err may succeed on a fresh attempt.
// Unknown error values default to retryable; a nil error is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// Kind returns the broker error kind of err, or the empty string if err does
// not carry one.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind string) bool {
	return Kind(err) == kind
}
