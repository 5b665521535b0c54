package tunnel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kinds of ConnectionError.
var (
	ErrPreviousAttemptStillActive = errors.New("previous attempt still active")
	ErrTargetPortConnectionFailed = errors.New("failed to connect to target port")
	ErrServerConnectionFailed     = errors.New("failed to connect to remote server")
)

// ErrManagerClosed is returned by Connect after Close.
var ErrManagerClosed = errors.New("tunnel manager closed")

// ConnectionError is returned by Manager.Connect when a tunnel could not be
// opened. Kind is one of the Err* kinds above; Err is the underlying cause,
// nil for ErrPreviousAttemptStillActive.
type ConnectionError struct {
	Kind     error
	TunnelID uuid.UUID
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tunnel %s: %v", e.TunnelID, e.Kind)
	}
	return fmt.Sprintf("tunnel %s: %v: %v", e.TunnelID, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
