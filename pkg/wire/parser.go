package wire

// Package wire normalizes the two observed generation wire formats into one
// internal event shape. A frame payload carrying a full snapshot of the text
// generated so far becomes a replace event; a payload carrying only new text
// becomes an append event. All format sensitivity lives here, so the
// transcript store never branches on wire format.

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// EndSentinel is the end-of-stream literal some collaborator versions
	// emit instead of a completion flag.
	EndSentinel = "[DONE]"

	EventNameMessage = "message"
	EventNameDone    = "done"
	EventNameError   = "error"
)

// CodeAuthExpired marks a server error event caused by an expired session.
// It is surfaced as a distinct reason code, never merged into a generic
// failure.
const CodeAuthExpired = "auth_expired"

// ErrNoContent reports a completion signal arriving before any content was
// ever received. This is structurally fatal for the session.
var ErrNoContent = errors.New("wire: completion signal without any content")

type EventType string

const (
	EventTypeAppend   EventType = "append"
	EventTypeReplace  EventType = "replace"
	EventTypeComplete EventType = "complete"
	EventTypeError    EventType = "error"
)

// Event is one normalized frame event.
type Event interface {
	Type() EventType
}

// AppendEvent carries only the newly generated text since the previous
// frame, to be concatenated onto the current content.
type AppendEvent struct {
	Delta string
}

func (e *AppendEvent) Type() EventType { return EventTypeAppend }

// ReplaceEvent carries the complete generated text so far, replacing the
// current content. Applying the same snapshot twice is idempotent.
type ReplaceEvent struct {
	Snapshot string
}

func (e *ReplaceEvent) Type() EventType { return EventTypeReplace }

// CompleteEvent terminates a generation. MessageID, when present, is the
// server-assigned identifier to reconcile onto the placeholder.
type CompleteEvent struct {
	FinalText string
	MessageID string
}

func (e *CompleteEvent) Type() EventType { return EventTypeComplete }

// ErrorEvent is a server-emitted failure record.
type ErrorEvent struct {
	Message string
	Code    string
}

func (e *ErrorEvent) Type() EventType { return EventTypeError }

func (e *CompleteEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("message_id", e.MessageID).Int("final_length", len(e.FinalText))
}

func (e *ErrorEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("message", e.Message).Str("code", e.Code)
}

// ParseError reports one malformed frame. It is recoverable: the session
// counts consecutive parse errors and only escalates past a threshold.
type ParseError struct {
	Frame Frame
	Err   error
}

func (e *ParseError) Error() string {
	return "wire: malformed frame: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// payload is the superset of fields observed across collaborator versions.
// Content and AccumulatedContent are pointers so that presence can be told
// apart from an empty string.
type payload struct {
	Content            *string `json:"content"`
	AccumulatedContent *string `json:"accumulated_content"`
	IsComplete         bool    `json:"is_complete"`
	MessageID          string  `json:"message_id"`
	Error              string  `json:"error"`
	Code               string  `json:"code"`
}

// Parser converts raw frames into normalized events for one generation
// stream. It accumulates the completion text so that a bare completion
// signal (sentinel or named event with no body text) still yields the full
// final text.
//
// Three completion signals exist in the wild with no documented precedence.
// The parser fixes one: the sentinel end marker outranks a completion event
// name, which outranks the is_complete flag. Whichever is seen first
// completes the stream.
type Parser struct {
	completion string
	messageID  string
	sawContent bool
}

func NewParser() *Parser {
	return &Parser{}
}

// Completion returns the full text accumulated so far.
func (p *Parser) Completion() string {
	return p.completion
}

// ParseFrame normalizes one raw frame. It returns (nil, nil) for frames that
// carry nothing to apply (keepalives). A *ParseError is recoverable; any
// other error is fatal for the session.
func (p *Parser) ParseFrame(f Frame) (Event, error) {
	data := bytes.TrimSpace(f.Data)

	if bytes.Equal(data, []byte(EndSentinel)) {
		return p.complete()
	}

	if f.Event == EventNameError {
		return parseErrorEvent(data), nil
	}

	var body payload
	if err := json.Unmarshal(data, &body); err != nil {
		if f.Event == EventNameDone {
			// the event name outranks a malformed body
			return p.complete()
		}
		return nil, &ParseError{Frame: f, Err: err}
	}

	if body.MessageID != "" {
		p.messageID = body.MessageID
	}
	if body.Error != "" {
		return &ErrorEvent{Message: body.Error, Code: body.Code}, nil
	}

	var ev Event
	switch {
	case body.AccumulatedContent != nil:
		// a full snapshot is authoritative even if a delta is also present
		p.completion = *body.AccumulatedContent
		p.sawContent = true
		ev = &ReplaceEvent{Snapshot: *body.AccumulatedContent}
	case body.Content != nil:
		p.completion += *body.Content
		p.sawContent = true
		ev = &AppendEvent{Delta: *body.Content}
	}

	if f.Event == EventNameDone || body.IsComplete {
		return p.complete()
	}

	return ev, nil
}

func (p *Parser) complete() (Event, error) {
	if !p.sawContent && p.completion == "" {
		return nil, ErrNoContent
	}
	return &CompleteEvent{FinalText: p.completion, MessageID: p.messageID}, nil
}

func parseErrorEvent(data []byte) *ErrorEvent {
	var body payload
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &ErrorEvent{Message: string(data)}
	}
	return &ErrorEvent{Message: body.Error, Code: body.Code}
}
