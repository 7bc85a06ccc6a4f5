package transcript

// Package transcript holds the authoritative conversation state. All mutation
// goes through the Store, which applies optimistic placeholder insertion,
// incremental chunk application, finalization with server-id reconciliation,
// and failure fallback, and notifies subscribers after every change.

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrConversationNotFound = errors.New("transcript: conversation not found")
	ErrMessageNotFound      = errors.New("transcript: message not found")
	ErrGenerationActive     = errors.New("transcript: generation already active for this conversation and kind")
	ErrMessageTerminal      = errors.New("transcript: message is already terminal")
	ErrInvalidKind          = errors.New("transcript: invalid generation kind")
)

// DefaultFallbackText replaces the content of a failed placeholder. The
// message itself stays in the transcript so the user can retry explicitly.
const DefaultFallbackText = "Something went wrong while generating this text. Please try again."

// ChunkMode selects how a chunk's text is applied to the current content.
type ChunkMode int

const (
	// ChunkAppend concatenates the chunk text onto the current content.
	ChunkAppend ChunkMode = iota
	// ChunkReplace overwrites the content with a full snapshot. Applying the
	// same snapshot twice is idempotent.
	ChunkReplace
)

func (m ChunkMode) String() string {
	switch m {
	case ChunkAppend:
		return "append"
	case ChunkReplace:
		return "replace"
	}
	return "unknown"
}

// Chunk is one normalized unit of generated text. The wire format has
// already been absorbed by the frame parser; the store never sees it.
type Chunk struct {
	Mode ChunkMode
	Text string
}

type location struct {
	conversation ConversationID
	idx          int
}

// Store is the single source of truth for conversation message state.
type Store struct {
	mu            sync.Mutex
	conversations map[ConversationID]*Conversation
	locations     map[MessageID]location

	fallback string
	notifier *Notifier
}

type StoreOption func(*Store)

// WithFallbackText overrides the content substituted into failed messages.
func WithFallbackText(text string) StoreOption {
	return func(s *Store) {
		s.fallback = text
	}
}

// WithNotifier attaches a notifier that receives a Change after every
// mutation. Without one, changes are dropped.
func WithNotifier(n *Notifier) StoreOption {
	return func(s *Store) {
		s.notifier = n
	}
}

func NewStore(options ...StoreOption) *Store {
	ret := &Store{
		conversations: map[ConversationID]*Conversation{},
		locations:     map[MessageID]location{},
		fallback:      DefaultFallbackText,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Notifier returns the attached notifier, if any.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// CreateConversation registers a new empty conversation and returns its id.
func (s *Store) CreateConversation(title string) ConversationID {
	s.mu.Lock()
	conv := newConversation(title)
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	log.Debug().Str("conversation_id", conv.ID.String()).Str("title", title).Msg("created conversation")

	s.notify(Change{
		Kind:           ChangeConversationCreated,
		ConversationID: conv.ID.String(),
	})

	return conv.ID
}

// ForkConversation copies an existing conversation's transcript into a new
// conversation carrying a forked-from reference. Copied messages receive
// fresh labels; active generation slots are not carried across the fork.
func (s *Store) ForkConversation(src ConversationID, title string) (ConversationID, error) {
	s.mu.Lock()
	orig, ok := s.conversations[src]
	if !ok {
		s.mu.Unlock()
		return ConversationID{}, errors.Wrapf(ErrConversationNotFound, "fork source %s", src)
	}

	conv := newConversation(title)
	from := src
	conv.ForkedFrom = &from
	for _, msg := range orig.messages {
		cp := msg.clone()
		cp.ID = NewMessageID()
		idx := conv.append(cp)
		s.locations[cp.ID] = location{conversation: conv.ID, idx: idx}
	}
	s.conversations[conv.ID] = conv
	snapshot := snapshotLocked(conv)
	s.mu.Unlock()

	s.notify(Change{
		Kind:           ChangeConversationCreated,
		ConversationID: conv.ID.String(),
		Messages:       snapshot,
	})

	return conv.ID, nil
}

// Append adds an ordinary (non-generated) message at the tail of the
// conversation, e.g. the user's own chat input.
func (s *Store) Append(conversationID ConversationID, role Role, content string) (MessageID, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrConversationNotFound, "%s", conversationID)
	}

	msg := NewMessage(role, content)
	idx := conv.append(msg)
	s.locations[msg.ID] = location{conversation: conversationID, idx: idx}
	snapshot := snapshotLocked(conv)
	s.mu.Unlock()

	s.notify(Change{
		Kind:           ChangeMessageAppended,
		ConversationID: conversationID.String(),
		MessageID:      msg.ID,
		Content:        content,
		Status:         StatusComplete,
		Messages:       snapshot,
	})

	return msg.ID, nil
}

// InsertPlaceholder appends a pending assistant message at the tail of the
// conversation and claims the generation slot for the given kind. A second
// insert for the same (conversation, kind) while one is active is rejected
// without mutating state.
func (s *Store) InsertPlaceholder(conversationID ConversationID, role Role, kind Kind) (MessageID, error) {
	if !kind.Valid() {
		return "", errors.Wrapf(ErrInvalidKind, "%q", kind)
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrConversationNotFound, "%s", conversationID)
	}

	if active, ok := conv.active[kind]; ok {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrGenerationActive, "message %s", active)
	}

	msg := NewMessage(role, "", WithStatus(StatusPending), WithIsBlog(kind == KindBlog))
	idx := conv.append(msg)
	s.locations[msg.ID] = location{conversation: conversationID, idx: idx}
	conv.active[kind] = msg.ID
	snapshot := snapshotLocked(conv)
	s.mu.Unlock()

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Str("message_id", string(msg.ID)).
		Str("kind", string(kind)).
		Msg("inserted placeholder")

	s.notify(Change{
		Kind:           ChangePlaceholderInserted,
		ConversationID: conversationID.String(),
		MessageID:      msg.ID,
		Status:         StatusPending,
		Messages:       snapshot,
	})

	return msg.ID, nil
}

// ApplyChunk mutates a placeholder with one normalized chunk and returns the
// content after application. The first chunk moves the message from pending
// to streaming.
func (s *Store) ApplyChunk(id MessageID, chunk Chunk) (string, error) {
	s.mu.Lock()
	conv, msg, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if msg.Status.Terminal() {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrMessageTerminal, "%s", id)
	}

	switch chunk.Mode {
	case ChunkReplace:
		msg.Content = chunk.Text
	case ChunkAppend:
		msg.Content += chunk.Text
	}
	msg.Status = StatusStreaming
	msg.LastUpdate = time.Now()
	content := msg.Content
	snapshot := snapshotLocked(conv)
	s.mu.Unlock()

	s.notify(Change{
		Kind:           ChangeChunkApplied,
		ConversationID: conv.ID.String(),
		MessageID:      id,
		Content:        content,
		Status:         StatusStreaming,
		Messages:       snapshot,
	})

	return content, nil
}

// Finalize marks a placeholder complete with its final text. A non-empty
// serverID swaps the message's label to the server-assigned one while
// preserving its position in the sequence; an empty serverID makes the
// client-temporary label permanent. The generation slot is released.
func (s *Store) Finalize(id MessageID, finalText string, serverID MessageID) error {
	s.mu.Lock()
	conv, msg, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if msg.Status.Terminal() {
		s.mu.Unlock()
		return errors.Wrapf(ErrMessageTerminal, "%s", id)
	}

	previous := msg.ID
	msg.Content = finalText
	msg.Status = StatusComplete
	msg.LastUpdate = time.Now()

	if serverID != "" && serverID != msg.ID {
		loc := s.locations[msg.ID]
		delete(s.locations, msg.ID)
		delete(conv.index, msg.ID)
		msg.ID = serverID
		s.locations[serverID] = loc
		conv.index[serverID] = loc.idx
	}

	s.releaseSlotLocked(conv, previous)
	snapshot := snapshotLocked(conv)
	s.mu.Unlock()

	log.Debug().
		Str("conversation_id", conv.ID.String()).
		Str("message_id", string(msg.ID)).
		Str("previous_id", string(previous)).
		Msg("finalized message")

	change := Change{
		Kind:           ChangeMessageFinalized,
		ConversationID: conv.ID.String(),
		MessageID:      msg.ID,
		Content:        finalText,
		Status:         StatusComplete,
		Messages:       snapshot,
	}
	if msg.ID != previous {
		change.PreviousID = previous
	}
	s.notify(change)

	return nil
}

// Fail marks a placeholder failed, substituting the fixed fallback string
// for its content. The message is never removed from the transcript. The
// generation slot is released so the caller can retry explicitly.
func (s *Store) Fail(id MessageID, reason string) error {
	s.mu.Lock()
	conv, msg, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if msg.Status.Terminal() {
		s.mu.Unlock()
		return errors.Wrapf(ErrMessageTerminal, "%s", id)
	}

	msg.Content = s.fallback
	msg.Status = StatusError
	msg.LastUpdate = time.Now()
	s.releaseSlotLocked(conv, msg.ID)
	snapshot := snapshotLocked(conv)
	s.mu.Unlock()

	log.Debug().
		Str("conversation_id", conv.ID.String()).
		Str("message_id", string(id)).
		Str("reason", reason).
		Msg("failed message")

	s.notify(Change{
		Kind:           ChangeMessageFailed,
		ConversationID: conv.ID.String(),
		MessageID:      id,
		Reason:         reason,
		Content:        s.fallback,
		Status:         StatusError,
		Messages:       snapshot,
	})

	return nil
}

// Content returns the current content of a message.
func (s *Store) Content(id MessageID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, msg, err := s.lookupLocked(id)
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// Message returns a copy of the message with the given label.
func (s *Store) Message(id MessageID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, msg, err := s.lookupLocked(id)
	if err != nil {
		return Message{}, false
	}
	return *msg, true
}

// Messages returns a copy of the conversation's ordered message sequence.
func (s *Store) Messages(conversationID ConversationID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "%s", conversationID)
	}
	return snapshotLocked(conv), nil
}

// Conversation returns the conversation's metadata.
func (s *Store) Conversation(conversationID ConversationID) (title string, forkedFrom *ConversationID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return "", nil, errors.Wrapf(ErrConversationNotFound, "%s", conversationID)
	}
	return conv.Title, conv.ForkedFrom, nil
}

// ActiveGeneration reports the placeholder currently claiming the generation
// slot for the given kind, if any.
func (s *Store) ActiveGeneration(conversationID ConversationID, kind Kind) (MessageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return "", false
	}
	id, ok := conv.active[kind]
	return id, ok
}

func (s *Store) lookupLocked(id MessageID) (*Conversation, *Message, error) {
	loc, ok := s.locations[id]
	if !ok {
		return nil, nil, errors.Wrapf(ErrMessageNotFound, "%s", id)
	}
	conv := s.conversations[loc.conversation]
	return conv, conv.messages[loc.idx], nil
}

func (s *Store) releaseSlotLocked(conv *Conversation, id MessageID) {
	for kind, active := range conv.active {
		if active == id {
			delete(conv.active, kind)
			return
		}
	}
}

func (s *Store) notify(change Change) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishBlind(change)
}

func snapshotLocked(conv *Conversation) []Message {
	ret := make([]Message, len(conv.messages))
	for i, msg := range conv.messages {
		ret[i] = *msg
	}
	return ret
}
