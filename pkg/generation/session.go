package generation

// Package generation drives one generation request end to end: it inserts
// the optimistic placeholder, opens the transport, parses every frame, and
// applies the resulting events to the transcript store. Each Session is a
// per-request state machine owning cancellation and the idle timeout.

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/inkwell/pkg/transcript"
	"github.com/go-go-golems/inkwell/pkg/transport"
	"github.com/go-go-golems/inkwell/pkg/wire"
)

var (
	ErrSessionNotIdle = errors.New("generation: session already started")
)

const (
	DefaultChatIdleTimeout = 60 * time.Second
	DefaultBlogIdleTimeout = 120 * time.Second

	// DefaultParseErrorThreshold is the number of consecutive malformed
	// frames tolerated before the session aborts as fatal.
	DefaultParseErrorThreshold = 3
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleting
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the session will make no further store mutations.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Session is a single-attempt generation state machine. It performs no
// retries: one terminal outcome ends it, and any retry is the caller's
// decision.
type Session struct {
	store   *transcript.Store
	channel transport.Channel
	parser  *wire.Parser

	conversationID transcript.ConversationID
	kind           transcript.Kind
	spec           transport.RequestSpec

	idleTimeout    time.Duration
	parseThreshold int

	onChunk    func(currentText string)
	onComplete func(finalText string, serverID string)
	onError    func(reason Reason)

	mu            sync.Mutex
	state         State
	reason        Reason
	placeholder   transcript.MessageID
	cancelled     bool
	parseFailures int

	done chan struct{}
}

type SessionOption func(*Session)

// WithIdleTimeout overrides the idle watchdog window. The watchdog resets on
// every received frame; expiry fails the session with reason timeout.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.idleTimeout = d
	}
}

func WithParseErrorThreshold(n int) SessionOption {
	return func(s *Session) {
		s.parseThreshold = n
	}
}

// WithOnChunk registers a hook invoked with the full current text after each
// applied chunk.
func WithOnChunk(f func(currentText string)) SessionOption {
	return func(s *Session) {
		s.onChunk = f
	}
}

func WithOnComplete(f func(finalText string, serverID string)) SessionOption {
	return func(s *Session) {
		s.onComplete = f
	}
}

func WithOnError(f func(reason Reason)) SessionOption {
	return func(s *Session) {
		s.onError = f
	}
}

func NewSession(
	store *transcript.Store,
	channel transport.Channel,
	conversationID transcript.ConversationID,
	kind transcript.Kind,
	spec transport.RequestSpec,
	options ...SessionOption,
) *Session {
	ret := &Session{
		store:          store,
		channel:        channel,
		parser:         wire.NewParser(),
		conversationID: conversationID,
		kind:           kind,
		spec:           spec,
		idleTimeout:    DefaultChatIdleTimeout,
		parseThreshold: DefaultParseErrorThreshold,
		state:          StateIdle,
		done:           make(chan struct{}),
	}
	if kind == transcript.KindBlog {
		ret.idleTimeout = DefaultBlogIdleTimeout
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Start acquires the per-(conversation, kind) generation slot, inserts the
// placeholder, and opens the transport. Frames are then consumed on an
// internal goroutine until a terminal state is reached. If the slot is
// already held, Start returns transcript.ErrGenerationActive and the store
// is left unmutated.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrSessionNotIdle
	}
	s.state = StateConnecting
	s.mu.Unlock()

	id, err := s.store.InsertPlaceholder(s.conversationID, transcript.RoleAssistant, s.kind)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		close(s.done)
		return err
	}

	s.mu.Lock()
	s.placeholder = id
	s.mu.Unlock()

	deliveries, err := s.channel.Open(ctx, s.spec)
	if err != nil {
		s.fail(reasonForError(err), err)
		return err
	}

	log.Debug().
		Str("conversation_id", s.conversationID.String()).
		Str("kind", string(s.kind)).
		Str("placeholder_id", string(id)).
		Msg("generation session connected")

	go s.run(ctx, deliveries)

	return nil
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or the context expires.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureReason returns the reason code for a FAILED or CANCELLED session.
func (s *Session) FailureReason() (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.reason != ""
}

// PlaceholderID returns the current label of the session's transcript entry.
// After a finalization with a server id, this is the server-assigned label.
func (s *Session) PlaceholderID() transcript.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholder
}

func (s *Session) Kind() transcript.Kind {
	return s.kind
}

func (s *Session) ConversationID() transcript.ConversationID {
	return s.conversationID
}

// Cancel cooperatively terminates the session. Partial text already
// streamed is kept: the placeholder is finalized with the content
// accumulated so far and keeps its client label. Frames still in flight are
// discarded, since the transport's close is not assumed to be instantaneous.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateCompleting {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.state = StateCancelled
	s.reason = ReasonCancelled
	placeholder := s.placeholder
	s.mu.Unlock()

	_ = s.channel.Close()

	if placeholder != "" {
		if content, err := s.store.Content(placeholder); err == nil {
			if err := s.store.Finalize(placeholder, content, ""); err != nil {
				log.Warn().Err(err).Str("placeholder_id", string(placeholder)).Msg("failed to finalize cancelled generation")
			}
		}
	}

	log.Debug().
		Str("conversation_id", s.conversationID.String()).
		Str("kind", string(s.kind)).
		Msg("generation session cancelled")

	close(s.done)
	if s.onError != nil {
		s.onError(ReasonCancelled)
	}
}

// run is the session's event loop: all store mutation happens as a direct
// reaction to one delivery at a time, in arrival order.
func (s *Session) run(ctx context.Context, deliveries <-chan transport.Delivery) {
	watchdog := time.NewTimer(s.idleTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Cancel()
			return
		case <-watchdog.C:
			s.fail(ReasonTimeout, errors.Errorf("no frame received within %s", s.idleTimeout))
			return
		case d, ok := <-deliveries:
			if !ok {
				s.fail(ReasonProtocolError, errors.New("stream ended before completion signal"))
				return
			}
			if d.Err != nil {
				s.fail(reasonForError(d.Err), d.Err)
				return
			}
			if terminal := s.handleFrame(d.Frame); terminal {
				return
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.idleTimeout)
		}
	}
}

// handleFrame parses and applies one frame. It returns true once the
// session is terminal and the loop should stop.
func (s *Session) handleFrame(frame wire.Frame) bool {
	s.mu.Lock()
	if s.cancelled || s.state.Terminal() {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	ev, err := s.parser.ParseFrame(frame)
	if err != nil {
		var parseErr *wire.ParseError
		if errors.As(err, &parseErr) {
			s.mu.Lock()
			s.parseFailures++
			failures := s.parseFailures
			s.mu.Unlock()

			log.Debug().Err(err).Object("frame", frame).Int("consecutive", failures).Msg("dropping malformed frame")
			if failures >= s.parseThreshold {
				s.fail(ReasonParseError, errors.Wrapf(err, "%d consecutive malformed frames", failures))
				return true
			}
			return false
		}
		s.fail(ReasonProtocolError, err)
		return true
	}

	s.mu.Lock()
	s.parseFailures = 0
	s.mu.Unlock()

	switch ev := ev.(type) {
	case nil:
		// keepalive frame, nothing to apply
		return false
	case *wire.ReplaceEvent:
		return s.applyChunk(transcript.Chunk{Mode: transcript.ChunkReplace, Text: ev.Snapshot})
	case *wire.AppendEvent:
		return s.applyChunk(transcript.Chunk{Mode: transcript.ChunkAppend, Text: ev.Delta})
	case *wire.CompleteEvent:
		return s.complete(ev)
	case *wire.ErrorEvent:
		if ev.Code == wire.CodeAuthExpired {
			s.fail(ReasonAuthExpired, errors.Errorf("server error: %s", ev.Message))
		} else {
			s.fail(ReasonProtocolError, errors.Errorf("server error: %s", ev.Message))
		}
		return true
	}
	return false
}

func (s *Session) applyChunk(chunk transcript.Chunk) bool {
	s.mu.Lock()
	if s.cancelled || s.state.Terminal() {
		s.mu.Unlock()
		return true
	}
	s.state = StateStreaming
	placeholder := s.placeholder
	s.mu.Unlock()

	content, err := s.store.ApplyChunk(placeholder, chunk)
	if err != nil {
		s.fail(ReasonProtocolError, err)
		return true
	}

	if s.onChunk != nil {
		s.onChunk(content)
	}
	return false
}

func (s *Session) complete(ev *wire.CompleteEvent) bool {
	s.mu.Lock()
	if s.cancelled || s.state.Terminal() {
		s.mu.Unlock()
		return true
	}
	s.state = StateCompleting
	placeholder := s.placeholder
	s.mu.Unlock()

	serverID := transcript.MessageID(ev.MessageID)
	if err := s.store.Finalize(placeholder, ev.FinalText, serverID); err != nil {
		s.fail(ReasonProtocolError, err)
		return true
	}

	_ = s.channel.Close()

	s.mu.Lock()
	s.state = StateDone
	if serverID != "" {
		s.placeholder = serverID
	}
	s.mu.Unlock()

	log.Debug().
		Str("conversation_id", s.conversationID.String()).
		Str("kind", string(s.kind)).
		Object("event", ev).
		Msg("generation session completed")

	close(s.done)
	if s.onComplete != nil {
		s.onComplete(ev.FinalText, ev.MessageID)
	}
	return true
}

func (s *Session) fail(reason Reason, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.reason = reason
	placeholder := s.placeholder
	s.mu.Unlock()

	log.Warn().
		Err(cause).
		Str("conversation_id", s.conversationID.String()).
		Str("kind", string(s.kind)).
		Str("reason", string(reason)).
		Msg("generation session failed")

	if placeholder != "" {
		if err := s.store.Fail(placeholder, string(reason)); err != nil {
			log.Warn().Err(err).Str("placeholder_id", string(placeholder)).Msg("failed to mark placeholder as failed")
		}
	}

	_ = s.channel.Close()

	close(s.done)
	if s.onError != nil {
		s.onError(reason)
	}
}
