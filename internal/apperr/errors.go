// Package apperr defines the error kinds surfaced by the chat core.
//
// Every kind wraps its cause so callers can use errors.Is and errors.As
// against both the kind and the underlying failure.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned when Submit is called while a stream is in flight.
	ErrSessionBusy = &ValidationError{Field: "state", Reason: "session is already streaming"}
	// ErrNotLoaded is returned when a turn is started before the session's
	// stored history has been loaded.
	ErrNotLoaded = &ValidationError{Field: "state", Reason: "session history is not loaded"}
	// ErrNotStreaming is returned when Cancel is called on a session with no stream.
	ErrNotStreaming = errors.New("session is not streaming")
)

// BackendError reports a failed exchange with the inference backend:
// connectivity, TLS verification, HTTP status or malformed response.
type BackendError struct {
	Op    string
	Cause error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// PersistenceError reports a gateway failure. In-memory session state is
// never rolled back because of it.
type PersistenceError struct {
	Op        string
	SessionID string
	Cause     error
}

func (e *PersistenceError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("persistence %s failed for session %s: %v", e.Op, e.SessionID, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// ValidationError is raised before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown session id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
