package generation

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/inkwell/pkg/transport"
	"github.com/go-go-golems/inkwell/pkg/wire"
)

// Reason is the stable code reported to the caller when a session ends in a
// terminal state other than DONE.
type Reason string

const (
	ReasonTransportError Reason = "transport_error"
	ReasonParseError     Reason = "parse_error"
	ReasonProtocolError  Reason = "protocol_error"
	ReasonAuthExpired    Reason = "auth_expired"
	ReasonTimeout        Reason = "timeout"
	ReasonCancelled      Reason = "cancelled"
)

// reasonForError maps an error from the transport or parser layer to its
// reason code. AuthExpired is kept distinct so the caller can prompt for
// re-authentication instead of showing a generic failure.
func reasonForError(err error) Reason {
	var parseErr *wire.ParseError
	var transportErr *transport.TransportError

	switch {
	case errors.Is(err, transport.ErrAuthExpired):
		return ReasonAuthExpired
	case errors.As(err, &parseErr):
		return ReasonParseError
	case errors.As(err, &transportErr):
		return ReasonTransportError
	default:
		return ReasonProtocolError
	}
}
