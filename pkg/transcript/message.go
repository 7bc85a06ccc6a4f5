package transcript

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConversationID identifies a conversation held by the store.
type ConversationID uuid.UUID

func NewConversationID() ConversationID {
	return ConversationID(uuid.New())
}

func (id ConversationID) String() string {
	return uuid.UUID(id).String()
}

// MessageID is the public label of a transcript entry. Freshly inserted
// messages carry a client-generated label; during finalization the label may
// be swapped once for the server-assigned one. Identity is tracked by
// position in the conversation, so the swap never moves the message.
type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Status tracks the lifecycle of a message in the transcript.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Terminal reports whether the message will receive no further mutations.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Kind distinguishes the two generation flavors. Each conversation has one
// independent generation slot per kind.
type Kind string

const (
	KindChat Kind = "chat"
	KindBlog Kind = "blog"
)

func (k Kind) Valid() bool {
	return k == KindChat || k == KindBlog
}

// Message is a single transcript entry.
type Message struct {
	ID         MessageID `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	IsBlog     bool      `json:"isBlog"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUpdate time.Time `json:"lastUpdate"`
	Status     Status    `json:"status"`
}

type MessageOption func(*Message)

func WithID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
		m.LastUpdate = t
	}
}

func WithStatus(status Status) MessageOption {
	return func(m *Message) {
		m.Status = status
	}
}

func WithIsBlog(isBlog bool) MessageOption {
	return func(m *Message) {
		m.IsBlog = isBlog
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:         NewMessageID(),
		Role:       role,
		Content:    content,
		CreatedAt:  now,
		LastUpdate: now,
		Status:     StatusComplete,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *Message) clone() *Message {
	ret := *m
	return &ret
}

func (m Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", string(m.ID)).
		Str("role", string(m.Role)).
		Str("status", string(m.Status)).
		Bool("is_blog", m.IsBlog).
		Int("content_length", len(m.Content))
}

// Conversation is an append-only ordered sequence of messages. Positions are
// stable: no historical message is ever reordered or removed, even on
// generation failure.
type Conversation struct {
	ID         ConversationID
	Title      string
	ForkedFrom *ConversationID

	messages []*Message
	index    map[MessageID]int
	// active generation slot per kind, holding the placeholder's current label
	active map[Kind]MessageID
}

func newConversation(title string) *Conversation {
	return &Conversation{
		ID:     NewConversationID(),
		Title:  title,
		index:  map[MessageID]int{},
		active: map[Kind]MessageID{},
	}
}

func (c *Conversation) append(msg *Message) int {
	idx := len(c.messages)
	c.messages = append(c.messages, msg)
	c.index[msg.ID] = idx
	return idx
}
