package wire

import "github.com/rs/zerolog"

// Frame is one raw record delivered by a transport channel: an optional
// event name (from SSE framing) and a JSON payload. POST body streams carry
// no event names; their frames arrive with an empty Event.
type Frame struct {
	Event string
	Data  []byte
}

func (f Frame) MarshalZerologObject(e *zerolog.Event) {
	if f.Event != "" {
		e.Str("event", f.Event)
	}
	e.Int("data_length", len(f.Data))
}
