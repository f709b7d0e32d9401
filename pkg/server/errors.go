package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for session, instance and delivery conditions.
var (
	// ErrUnknownSession is returned when a session ID does not exist.
	ErrUnknownSession = errors.New("server: unknown session")

	// ErrUnknownInstance is returned when an instance ID is not mounted in the session.
	ErrUnknownInstance = errors.New("server: unknown instance")

	// ErrUnknownHandler is returned when a handler ID is not registered by the
	// latest render pass of an instance.
	ErrUnknownHandler = errors.New("server: unknown handler")

	// ErrChannelClosed is returned when sending on a channel that is no longer open.
	ErrChannelClosed = errors.New("server: channel closed")

	// ErrStaleCallSite is returned when a render pass uses its call sites in a
	// different order, kind or number than the first successful pass.
	ErrStaleCallSite = errors.New("server: stale call site")

	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrMaxSessionsReached is returned when the maximum number of sessions is reached.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrInstanceDestroyed is returned when rendering a destroyed instance.
	ErrInstanceDestroyed = errors.New("server: instance destroyed")

	// ErrNoSession is returned when mounting a template without a session.
	ErrNoSession = errors.New("server: no session")
)

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{
		SessionID: sessionID,
		Op:        op,
		Err:       err,
	}
}

// RenderError reports a render pass that returned an error or panicked.
type RenderError struct {
	Instance string
	Err      error // Returned error, nil when the render panicked with a non-error value
	Panic    any
	Stack    []byte
}

// Error returns the error message.
func (e *RenderError) Error() string {
	if e.Panic != nil && e.Err == nil {
		return fmt.Sprintf("server: render panic in instance %s: %v", e.Instance, e.Panic)
	}
	return fmt.Sprintf("server: render instance %s: %v", e.Instance, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *RenderError) Unwrap() error {
	return e.Err
}

// HandlerError reports an event handler that returned an error or panicked.
type HandlerError struct {
	Instance string
	Handler  string
	Err      error
	Panic    any
	Stack    []byte
}

// Error returns the error message.
func (e *HandlerError) Error() string {
	if e.Panic != nil && e.Err == nil {
		return fmt.Sprintf("server: handler panic in instance %s, handler %s: %v", e.Instance, e.Handler, e.Panic)
	}
	return fmt.Sprintf("server: handler %s of instance %s: %v", e.Handler, e.Instance, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// staleCallSite builds the error raised through a render pass when a call
// site does not match the slot recorded by the first successful pass.
func staleCallSite(instance string, index int, format string, args ...any) error {
	return fmt.Errorf("%w: instance %s slot %d: %s", ErrStaleCallSite, instance, index, fmt.Sprintf(format, args...))
}
