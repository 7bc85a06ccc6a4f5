package transcript

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ChangeKind string

const (
	ChangeConversationCreated ChangeKind = "conversation-created"
	ChangeMessageAppended     ChangeKind = "message-appended"
	ChangePlaceholderInserted ChangeKind = "placeholder-inserted"
	ChangeChunkApplied        ChangeKind = "chunk-applied"
	ChangeMessageFinalized    ChangeKind = "message-finalized"
	ChangeMessageFailed       ChangeKind = "message-failed"
)

// Change describes one store mutation. Messages carries the conversation's
// live ordered sequence after the change, so subscribers can render without
// polling the store.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	MessageID      MessageID  `json:"message_id,omitempty"`
	// PreviousID is set when finalization swapped the message label
	PreviousID MessageID `json:"previous_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
}

func (c Change) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(c.Kind)).
		Str("conversation_id", c.ConversationID).
		Str("message_id", string(c.MessageID))
	if c.PreviousID != "" {
		e.Str("previous_id", string(c.PreviousID))
	}
	if c.Status != "" {
		e.Str("status", string(c.Status))
	}
	if c.Reason != "" {
		e.Str("reason", c.Reason)
	}
}

// Notifier distributes store changes to a set of watermill publishers. You
// "subscribe" a publisher to a topic; every published change is distributed
// to all publishers on the topic they were subscribed with.
//
// The Notifier keeps a sequence number for each outgoing message, in the
// order they are handled by Publish.
type Notifier struct {
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mu             sync.Mutex
}

func NewNotifier() *Notifier {
	return &Notifier{
		publishers: map[string][]message.Publisher{},
	}
}

func (n *Notifier) SubscribePublisher(topic string, pub message.Publisher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishers[topic] = append(n.publishers[topic], pub)
}

// Publish serializes the change to JSON and distributes it to all
// subscribed publishers.
func (n *Notifier) Publish(change Change) error {
	// lock for the sequence number
	n.mu.Lock()
	defer n.mu.Unlock()

	b, err := json.Marshal(change)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", n.sequenceNumber))
	n.sequenceNumber++

	for topic, pubs := range n.publishers {
		for _, pub := range pubs {
			if err := pub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish transcript change")
			}
		}
	}

	return nil
}

func (n *Notifier) PublishBlind(change Change) {
	if err := n.Publish(change); err != nil {
		log.Warn().Err(err).Msg("failed to publish transcript change")
	}
}

// DecodeChange parses a Change from a watermill message payload.
func DecodeChange(msg *message.Message) (Change, error) {
	var change Change
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		return Change{}, err
	}
	return change, nil
}
