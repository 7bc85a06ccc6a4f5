package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/inkwell/pkg/transcript"
	"github.com/go-go-golems/inkwell/pkg/transport"
)

// Request carries the caller-supplied payload for one generation.
//
// Chat generations stream from a push endpoint keyed by the durable message
// identifier obtained from a prior submit-message call. Blog generations
// POST their payload and stream the response body.
type Request struct {
	MessageID string
	Payload   any
	Header    http.Header
}

// Endpoints describes where the two generation streams live.
type Endpoints struct {
	BaseURL string
	// ChatStreamPath is a printf pattern receiving the durable message id.
	ChatStreamPath string
	BlogGeneratePath string
}

func DefaultEndpoints(baseURL string) Endpoints {
	return Endpoints{
		BaseURL:          baseURL,
		ChatStreamPath:   "/api/chat/stream/%s",
		BlogGeneratePath: "/api/blog/generate",
	}
}

func (e Endpoints) specFor(kind transcript.Kind, req Request) (transport.RequestSpec, error) {
	switch kind {
	case transcript.KindChat:
		if req.MessageID == "" {
			return transport.RequestSpec{}, errors.New("generation: chat request requires the submitted message id")
		}
		return transport.RequestSpec{
			URL:    e.BaseURL + fmt.Sprintf(e.ChatStreamPath, req.MessageID),
			Header: req.Header,
		}, nil
	case transcript.KindBlog:
		body, err := json.Marshal(req.Payload)
		if err != nil {
			return transport.RequestSpec{}, errors.Wrap(err, "generation: marshal blog payload")
		}
		return transport.RequestSpec{
			URL:    e.BaseURL + e.BlogGeneratePath,
			Body:   body,
			Header: req.Header,
		}, nil
	}
	return transport.RequestSpec{}, errors.Wrapf(transcript.ErrInvalidKind, "%q", kind)
}

// ChannelFactory produces a fresh transport channel for one generation
// request of the given kind.
type ChannelFactory func(kind transcript.Kind) transport.Channel

func defaultChannelFactory(kind transcript.Kind) transport.Channel {
	if kind == transcript.KindBlog {
		return transport.NewBodyChannel()
	}
	return transport.NewSSEChannel()
}

type activeKey struct {
	conversation transcript.ConversationID
	kind         transcript.Kind
}

// Manager exposes the engine to the application layer: it creates one
// Session per StartGeneration call, tracks the active ones, and hands out
// handles for cancellation.
type Manager struct {
	store       *transcript.Store
	endpoints   Endpoints
	newChannel  ChannelFactory
	chatTimeout time.Duration
	blogTimeout time.Duration

	mu     sync.Mutex
	active map[activeKey]*Session
}

type ManagerOption func(*Manager)

func WithChannelFactory(f ChannelFactory) ManagerOption {
	return func(m *Manager) {
		m.newChannel = f
	}
}

func WithChatIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.chatTimeout = d
	}
}

func WithBlogIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.blogTimeout = d
	}
}

func NewManager(store *transcript.Store, endpoints Endpoints, options ...ManagerOption) *Manager {
	ret := &Manager{
		store:       store,
		endpoints:   endpoints,
		newChannel:  defaultChannelFactory,
		chatTimeout: DefaultChatIdleTimeout,
		blogTimeout: DefaultBlogIdleTimeout,
		active:      map[activeKey]*Session{},
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// StartGeneration begins a generation of the given kind for a conversation
// and returns the live session. At most one session per (conversation, kind)
// may be active; a second start while one is running is rejected without
// touching the store.
func (m *Manager) StartGeneration(
	ctx context.Context,
	conversationID transcript.ConversationID,
	kind transcript.Kind,
	req Request,
	options ...SessionOption,
) (*Session, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(transcript.ErrInvalidKind, "%q", kind)
	}

	spec, err := m.endpoints.specFor(kind, req)
	if err != nil {
		return nil, err
	}

	key := activeKey{conversation: conversationID, kind: kind}
	m.mu.Lock()
	if existing, ok := m.active[key]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, errors.Wrapf(transcript.ErrGenerationActive, "conversation %s kind %s", conversationID, kind)
	}

	timeout := m.chatTimeout
	if kind == transcript.KindBlog {
		timeout = m.blogTimeout
	}
	opts := append([]SessionOption{WithIdleTimeout(timeout)}, options...)

	session := NewSession(m.store, m.newChannel(kind), conversationID, kind, spec, opts...)
	m.active[key] = session
	m.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		return nil, err
	}

	go func() {
		<-session.Done()
		m.mu.Lock()
		if m.active[key] == session {
			delete(m.active, key)
		}
		m.mu.Unlock()
	}()

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Str("kind", string(kind)).
		Msg("generation started")

	return session, nil
}

// Cancel terminates a session obtained from StartGeneration.
func (m *Manager) Cancel(session *Session) {
	if session == nil {
		return
	}
	session.Cancel()
}

// ActiveSession returns the running session for a (conversation, kind)
// pair, if any.
func (m *Manager) ActiveSession(conversationID transcript.ConversationID, kind transcript.Kind) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.active[activeKey{conversation: conversationID, kind: kind}]
	return session, ok
}
