package generation

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/inkwell/pkg/transcript"
	"github.com/go-go-golems/inkwell/pkg/transport"
	"github.com/go-go-golems/inkwell/pkg/wire"
)

// fakeChannel is a scriptable transport: tests preload deliveries and the
// session consumes them as if they arrived from the network.
type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan transport.Delivery
	openErr    error
	openCount  int
	closeCount int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan transport.Delivery, 64),
	}
}

var _ transport.Channel = (*fakeChannel)(nil)

func (f *fakeChannel) Open(ctx context.Context, spec transport.RequestSpec) (<-chan transport.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCount++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeChannel) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount
}

func (f *fakeChannel) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *fakeChannel) push(data string) {
	f.deliveries <- transport.Delivery{Frame: wire.Frame{Data: []byte(data)}}
}

func (f *fakeChannel) pushEvent(event, data string) {
	f.deliveries <- transport.Delivery{Frame: wire.Frame{Event: event, Data: []byte(data)}}
}

func (f *fakeChannel) pushErr(err error) {
	f.deliveries <- transport.Delivery{Err: err}
}

func (f *fakeChannel) end() {
	close(f.deliveries)
}

func waitTerminal(t *testing.T, session *Session) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := session.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestChatStreamCompletes(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.push(`{"content":"Hel"}`)
	channel.push(`{"content":"lo w"}`)
	channel.push(`{"content":"orld"}`)
	channel.push(`[DONE]`)

	var mu sync.Mutex
	var progression []string
	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{},
		WithOnChunk(func(currentText string) {
			mu.Lock()
			progression = append(progression, currentText)
			mu.Unlock()
		}),
	)

	require.NoError(t, session.Start(context.Background()))
	state := waitTerminal(t, session)
	assert.Equal(t, StateDone, state)

	mu.Lock()
	assert.Equal(t, []string{"Hel", "Hello w", "Hello world"}, progression)
	mu.Unlock()

	msg, ok := store.Message(session.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, "Hello world", msg.Content)
	assert.Equal(t, transcript.StatusComplete, msg.Status)

	// the generation slot is free again
	_, active := store.ActiveGeneration(convID, transcript.KindChat)
	assert.False(t, active)
	assert.GreaterOrEqual(t, channel.CloseCount(), 1)
}

func TestBlogSnapshotStreamReconcilesServerID(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("blog")

	_, err := store.Append(convID, transcript.RoleUser, "write about Go")
	require.NoError(t, err)

	channel := newFakeChannel()
	channel.push(`{"accumulated_content":"# Title\n"}`)
	channel.push(`{"accumulated_content":"# Title\nFirst paragraph."}`)
	channel.push(`{"accumulated_content":"# Title\nFirst paragraph.","is_complete":true,"message_id":"m1"}`)

	session := NewSession(store, channel, convID, transcript.KindBlog, transport.RequestSpec{})
	require.NoError(t, session.Start(context.Background()))
	clientLabel := session.PlaceholderID()

	state := waitTerminal(t, session)
	assert.Equal(t, StateDone, state)

	// the server label landed on the same position the placeholder held
	msgs, err := store.Messages(convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.MessageID("m1"), msgs[1].ID)
	assert.Equal(t, "# Title\nFirst paragraph.", msgs[1].Content)
	assert.True(t, msgs[1].IsBlog)

	assert.Equal(t, transcript.MessageID("m1"), session.PlaceholderID())
	_, ok := store.Message(clientLabel)
	assert.False(t, ok)
}

func TestTransportFailureFallsBackWithoutRetry(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.push(`{"content":"partial"}`)
	channel.pushErr(&transport.TransportError{Op: "read", Err: io.ErrUnexpectedEOF})

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{})
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateFailed, state)
	reason, ok := session.FailureReason()
	require.True(t, ok)
	assert.Equal(t, ReasonTransportError, reason)

	msg, ok := store.Message(session.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, transcript.DefaultFallbackText, msg.Content)
	assert.Equal(t, transcript.StatusError, msg.Status)

	// one attempt only
	assert.Equal(t, 1, channel.OpenCount())
}

func TestIdleTimeoutFailsSession(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{},
		WithIdleTimeout(50*time.Millisecond),
	)
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateFailed, state)
	reason, ok := session.FailureReason()
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, reason)
	assert.Equal(t, 1, channel.CloseCount())
}

func TestCancelKeepsPartialText(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	chunks := make(chan string, 8)

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{},
		WithOnChunk(func(currentText string) {
			chunks <- currentText
		}),
	)
	require.NoError(t, session.Start(context.Background()))

	channel.push(`{"content":"Once upon "}`)
	channel.push(`{"content":"a time"}`)
	for i := 0; i < 2; i++ {
		select {
		case <-chunks:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}

	session.Cancel()
	assert.Equal(t, StateCancelled, session.State())
	reason, ok := session.FailureReason()
	require.True(t, ok)
	assert.Equal(t, ReasonCancelled, reason)

	// partial text survives as a terminal message under its client label
	msg, ok := store.Message(session.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, "Once upon a time", msg.Content)
	assert.Equal(t, transcript.StatusComplete, msg.Status)

	// frames still in flight are discarded
	channel.push(`{"content":" there was"}`)
	time.Sleep(50 * time.Millisecond)
	content, err := store.Content(session.PlaceholderID())
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", content)

	// cancelling again is a no-op
	session.Cancel()
	assert.Equal(t, StateCancelled, session.State())
}

func TestConsecutiveParseErrorsAbort(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.push(`{"content":"ok"}`)
	channel.push(`{broken`)
	channel.push(`also broken`)
	channel.push(`still broken`)

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{})
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateFailed, state)
	reason, _ := session.FailureReason()
	assert.Equal(t, ReasonParseError, reason)
}

func TestParseErrorCounterResetsOnGoodFrame(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.push(`{broken`)
	channel.push(`{broken`)
	channel.push(`{"content":"hi"}`)
	channel.push(`{broken`)
	channel.push(`{broken`)
	channel.push(`[DONE]`)

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{})
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateDone, state)

	content, err := store.Content(session.PlaceholderID())
	require.NoError(t, err)
	assert.Equal(t, "hi", content)
}

func TestCompletionBeforeContentIsProtocolError(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.push(`[DONE]`)

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{})
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateFailed, state)
	reason, _ := session.FailureReason()
	assert.Equal(t, ReasonProtocolError, reason)
}

func TestStreamEndWithoutCompletionSignal(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.push(`{"content":"half an ans"}`)
	channel.end()

	var mu sync.Mutex
	var gotReason Reason
	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{},
		WithOnError(func(reason Reason) {
			mu.Lock()
			gotReason = reason
			mu.Unlock()
		}),
	)
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateFailed, state)
	mu.Lock()
	assert.Equal(t, ReasonProtocolError, gotReason)
	mu.Unlock()

	msg, ok := store.Message(session.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, transcript.DefaultFallbackText, msg.Content)
}

func TestServerErrorEventWithAuthCode(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.pushEvent(wire.EventNameError, `{"error":"session expired","code":"auth_expired"}`)

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{})
	require.NoError(t, session.Start(context.Background()))

	state := waitTerminal(t, session)
	assert.Equal(t, StateFailed, state)
	reason, _ := session.FailureReason()
	assert.Equal(t, ReasonAuthExpired, reason)
}

func TestOpenFailureFailsPlaceholder(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	channel.openErr = &transport.AuthError{Status: 401}

	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{})
	err := session.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateFailed, session.State())
	reason, _ := session.FailureReason()
	assert.Equal(t, ReasonAuthExpired, reason)

	msg, ok := store.Message(session.PlaceholderID())
	require.True(t, ok)
	assert.Equal(t, transcript.StatusError, msg.Status)
}

func TestSecondSessionRejectedWhileActive(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	first := newFakeChannel()
	session1 := NewSession(store, first, convID, transcript.KindChat, transport.RequestSpec{})
	require.NoError(t, session1.Start(context.Background()))

	second := newFakeChannel()
	session2 := NewSession(store, second, convID, transcript.KindChat, transport.RequestSpec{})
	err := session2.Start(context.Background())
	require.ErrorIs(t, err, transcript.ErrGenerationActive)

	// the rejection did not touch the transcript
	msgs, err := store.Messages(convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// a different kind runs concurrently
	blog := newFakeChannel()
	session3 := NewSession(store, blog, convID, transcript.KindBlog, transport.RequestSpec{})
	require.NoError(t, session3.Start(context.Background()))

	session1.Cancel()
	session3.Cancel()
}

func TestContextCancellationCancelsSession(t *testing.T) {
	store := transcript.NewStore()
	convID := store.CreateConversation("chat")

	channel := newFakeChannel()
	chunks := make(chan string, 8)

	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(store, channel, convID, transcript.KindChat, transport.RequestSpec{},
		WithOnChunk(func(currentText string) {
			chunks <- currentText
		}),
	)
	require.NoError(t, session.Start(ctx))

	channel.push(`{"content":"hi"}`)
	select {
	case <-chunks:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	cancel()
	state := waitTerminal(t, session)
	assert.Equal(t, StateCancelled, state)

	content, err := store.Content(session.PlaceholderID())
	require.NoError(t, err)
	assert.Equal(t, "hi", content)
}
