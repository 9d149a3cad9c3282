package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
	"github.com/dmarins/chatsync/internal/config"
	"github.com/dmarins/chatsync/internal/receipts"
	"github.com/dmarins/chatsync/internal/session"
	"github.com/dmarins/chatsync/internal/state"
	"github.com/dmarins/chatsync/internal/subscription"
	"github.com/dmarins/chatsync/internal/transport"
	"github.com/dmarins/chatsync/internal/typing"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu       sync.Mutex
	convs    []state.Conversation
	messages map[string][]state.Message
	sendMsg  state.Message
	sendErr  error
	pinErr   error
}

func (f *fakeBackend) ListConversations(_ context.Context, _ string, _ int) ([]state.Conversation, state.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.Conversation, len(f.convs))
	copy(out, f.convs)
	return out, state.Page{}, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID, _ string, _ int) ([]state.Message, state.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[conversationID]
	out := make([]state.Message, len(msgs))
	copy(out, msgs)
	return out, state.Page{}, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, _, _ string, _ state.MessageType) (state.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendMsg, f.sendErr
}

func (f *fakeBackend) DeleteMessage(_ context.Context, _, _ string) error { return nil }
func (f *fakeBackend) PinMessage(_ context.Context, _, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinErr
}
func (f *fakeBackend) GetConversation(_ context.Context, conversationID string) (state.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == conversationID {
			return c, nil
		}
	}
	return state.Conversation{}, errors.New("not found")
}

func (f *fakeBackend) PinConversation(_ context.Context, _ string, _ bool) error     { return nil }
func (f *fakeBackend) MuteConversation(_ context.Context, _ string, _ bool) error    { return nil }
func (f *fakeBackend) ArchiveConversation(_ context.Context, _ string, _ bool) error { return nil }
func (f *fakeBackend) DeleteConversation(_ context.Context, _ string) error          { return nil }
func (f *fakeBackend) MarkRead(_ context.Context, _ string) error                    { return nil }

type nopChannel struct{}

func (nopChannel) SubscribeConversation(_ context.Context, _ string) error   { return nil }
func (nopChannel) UnsubscribeConversation(_ context.Context, _ string) error { return nil }
func (nopChannel) SubscribeAccount(_ context.Context) error                  { return nil }
func (nopChannel) SendTyping(_ context.Context, _ string, _ bool) error      { return nil }
func (nopChannel) Close() error                                              { return nil }

func newTestEngine(t *testing.T, backend *fakeBackend) (*Engine, *bus.Bus) {
	t.Helper()
	cfg := config.Default()
	b := bus.New()
	ck := clock.NewFake(testBase)
	sess := session.Session{UserID: "u1", Username: "me"}

	conversations := state.NewConversationStore(backend, b, ck, nil)
	messages := state.NewMessageStore(backend, conversations, b, sess, ck, nil)
	tracker := typing.NewTracker(cfg.TypingWindow(), cfg.TypingThrottle(), nopChannel{}, b, ck, nil)
	aggregator := receipts.NewAggregator()
	manager := subscription.NewManager(subscription.Config{
		Channel:       nopChannel{},
		Bus:           b,
		Messages:      messages,
		Conversations: conversations,
		Typing:        tracker,
		Receipts:      aggregator,
		Session:       sess,
		Clock:         clock.System(),
		MaxAttempts:   2,
		BackoffBase:   time.Millisecond,
	})

	e := New(cfg, b, messages, conversations, tracker, aggregator, manager, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(e.Stop)
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return e, b
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestEngineSendConfirmFlow(t *testing.T) {
	backend := &fakeBackend{
		convs: []state.Conversation{{ID: "c1", Kind: state.OneToOne, Name: "alice"}},
		sendMsg: state.Message{
			ID: "m42", ConversationID: "c1", SenderID: "u1", Content: "hello",
			Type: state.Text, CreatedAt: testBase.Add(time.Second), Delivery: state.Sent,
		},
	}
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	if err := e.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if e.ActiveConversation() != "c1" {
		t.Fatalf("active = %q, want c1", e.ActiveConversation())
	}

	localID, err := e.Send(ctx, "hello", state.Text)
	if err != nil {
		t.Fatal(err)
	}
	if localID == "" {
		t.Fatal("no local id")
	}

	// Optimistic record first, server-confirmed record after.
	waitUntil(t, func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m42" && msgs[0].Delivery == state.Sent
	})

	// The conversation preview follows the send.
	c, ok := e.Conversation("c1")
	if !ok || c.LastMessage == nil || c.LastMessage.Content != "hello" {
		t.Fatalf("preview not updated: %+v", c)
	}
}

func TestEngineUnreadAcrossConversations(t *testing.T) {
	backend := &fakeBackend{
		convs: []state.Conversation{
			{ID: "c1", Kind: state.OneToOne, Name: "alice"},
			{ID: "c2", Kind: state.OneToOne, Name: "bob"},
		},
	}
	e, b := newTestEngine(t, backend)
	ctx := context.Background()

	if err := e.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	b.PublishKind(bus.KindMessageNew, "c2", transport.MessageNewPayload{
		ConversationID: "c2",
		Message: transport.MessagePayload{
			ID: "m7", ConversationID: "c2", SenderID: "u9", Content: "ping",
			Type: string(state.Text), CreatedAtMS: testBase.UnixMilli(),
		},
	})

	waitUntil(t, func() bool {
		c, ok := e.Conversation("c2")
		return ok && c.UnreadCount == 1
	})
	if msgs := e.Messages(); len(msgs) != 0 {
		t.Fatalf("foreign message leaked into active window: %+v", msgs)
	}

	// Selecting the conversation clears its unread count.
	if err := e.SelectConversation(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool {
		c, _ := e.Conversation("c2")
		return c.UnreadCount == 0
	})
}

func TestEngineSelectConversationUnknownToStore(t *testing.T) {
	backend := &fakeBackend{
		convs: []state.Conversation{{ID: "c1", Kind: state.OneToOne, Name: "alice"}},
	}
	e, _ := newTestEngine(t, backend)

	// A conversation the list has not loaded yet (deep link) still selects;
	// the missing mark-read target is not an error.
	if err := e.SelectConversation(context.Background(), "c9"); err != nil {
		t.Fatalf("SelectConversation() error = %v", err)
	}
	if e.ActiveConversation() != "c9" {
		t.Fatalf("active = %q, want c9", e.ActiveConversation())
	}
}

func TestEngineRefreshSignal(t *testing.T) {
	backend := &fakeBackend{
		convs: []state.Conversation{{ID: "c1", Kind: state.OneToOne, Name: "alice"}},
	}
	e, b := newTestEngine(t, backend)

	// Drain anything emitted during startup.
	for {
		select {
		case <-e.RefreshCh():
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	b.PublishKind(bus.KindConversationsChanged, "c1", nil)
	select {
	case <-e.RefreshCh():
	case <-time.After(time.Second):
		t.Fatal("no refresh signal after store change")
	}
}

func TestEngineSurfacesMutationFailures(t *testing.T) {
	backend := &fakeBackend{
		convs:  []state.Conversation{{ID: "c1", Kind: state.OneToOne, Name: "alice"}},
		pinErr: errors.New("boom"),
	}
	backend.messages = map[string][]state.Message{
		"c1": {{
			ID: "m1", ConversationID: "c1", SenderID: "u9", Content: "hi",
			Type: state.Text, CreatedAt: testBase, Delivery: state.Sent,
		}},
	}
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	if err := e.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.TogglePinMessage(ctx, "m1", true); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return e.LastError() != nil })
	// Reading the error clears it.
	if err := e.LastError(); err != nil {
		t.Errorf("LastError not cleared: %v", err)
	}
}

func TestEngineTypingNamesForActiveConversation(t *testing.T) {
	backend := &fakeBackend{
		convs: []state.Conversation{{ID: "c1", Kind: state.OneToOne, Name: "alice"}},
	}
	e, b := newTestEngine(t, backend)
	ctx := context.Background()

	if err := e.SelectConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	b.PublishKind(bus.KindTypingStatus, "c1", transport.TypingPayload{
		ConversationID: "c1", UserID: "u9", Username: "alice", IsTyping: true,
	})
	waitUntil(t, func() bool {
		names := e.TypingNames()
		return len(names) == 1 && names[0] == "alice"
	})
}
