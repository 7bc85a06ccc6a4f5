package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrChannelClosed is returned by Open after Close has been called.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrAuthExpired marks a connection refused for an expired session. It
	// is surfaced as a distinct, user-actionable failure.
	ErrAuthExpired = errors.New("transport: authentication expired")
)

// TransportError wraps any connection-level failure: refused, reset,
// aborted, or malformed transport framing. It is terminal for the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError reports an authentication rejection from the collaborator.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("transport: authentication expired (status %d)", e.Status)
}

// Is makes AuthError match ErrAuthExpired in errors.Is chains.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthExpired
}

// StatusError reports a non-2xx handshake response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %d", e.Status)
}
