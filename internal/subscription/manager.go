package subscription

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
	"github.com/dmarins/chatsync/internal/errs"
	"github.com/dmarins/chatsync/internal/receipts"
	"github.com/dmarins/chatsync/internal/session"
	"github.com/dmarins/chatsync/internal/state"
	"github.com/dmarins/chatsync/internal/transport"
	"github.com/dmarins/chatsync/internal/typing"
)

// Manager binds at most one per-conversation channel subscription at a time
// and routes inbound push events to the stores. The account-wide stream
// (conversation metadata, unread projections) is bound once at Start and
// lives until Stop; per-conversation streams are swapped as the user
// navigates. Events for a conversation that is no longer active are dropped
// at routing time, which drains anything dispatched before a switch.
type Manager struct {
	mu            sync.Mutex
	channel       transport.Channel
	bus           *bus.Bus
	messages      *state.MessageStore
	conversations *state.ConversationStore
	typing        *typing.Tracker
	receipts      *receipts.Aggregator
	sess          session.Session
	clock         clock.Clock
	logger        *zap.Logger
	machine       *Machine

	maxAttempts int
	backoffBase time.Duration

	active   string
	degraded bool
	cancel   context.CancelFunc
}

// Config bundles the manager's collaborators.
type Config struct {
	Channel       transport.Channel
	Bus           *bus.Bus
	Messages      *state.MessageStore
	Conversations *state.ConversationStore
	Typing        *typing.Tracker
	Receipts      *receipts.Aggregator
	Session       session.Session
	Clock         clock.Clock
	Logger        *zap.Logger
	MaxAttempts   int
	BackoffBase   time.Duration
}

// NewManager creates a subscription manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Manager{
		channel:       cfg.Channel,
		bus:           cfg.Bus,
		messages:      cfg.Messages,
		conversations: cfg.Conversations,
		typing:        cfg.Typing,
		receipts:      cfg.Receipts,
		sess:          cfg.Session,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		machine:       NewMachine(cfg.Bus),
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
	}
}

// Start binds the account-wide stream and begins routing push events.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	ch, unsub := m.bus.Subscribe(bus.KindPushPrefix, 256)
	degCh, unsubDeg := m.bus.Subscribe(bus.KindChannelDegraded, 4)
	go func() {
		defer unsub()
		defer unsubDeg()
		for {
			select {
			case evt := <-ch:
				m.route(evt)
			case <-degCh:
				// The transport's read loop died; no live events can
				// arrive until the channel is redialed.
				m.setDegraded(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := m.withBackoff(ctx, "account", func() error {
		return m.channel.SubscribeAccount(ctx)
	}); err != nil {
		m.setDegraded(true)
		return err
	}
	return nil
}

// Stop stops routing. The account subscription dies with the channel.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Machine exposes the lifecycle machine, mainly for tests and status views.
func (m *Manager) Machine() *Machine { return m.machine }

// Degraded reports whether subscribe retries were exhausted and the engine
// is running without a live per-conversation stream.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Manager) setDegraded(v bool) {
	m.mu.Lock()
	changed := m.degraded != v
	m.degraded = v
	m.mu.Unlock()
	if changed && v && m.bus != nil {
		m.bus.PublishKind(bus.KindChannelDegraded, "", nil)
	}
}

// SetActiveConversation unsubscribes the previous conversation, swaps the
// stores' windows, and subscribes the new one. A failed subscribe after
// bounded retries leaves the engine degraded but functional: REST loads
// still work, only live events are missing.
func (m *Manager) SetActiveConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.active == conversationID {
		m.mu.Unlock()
		return nil
	}
	old := m.active
	m.active = conversationID
	m.mu.Unlock()

	// Swap store state first so any event already queued for the old
	// conversation is fenced out before we touch the wire.
	m.messages.SetActive(conversationID)
	m.conversations.SetActive(conversationID)
	if old != "" {
		m.typing.ClearConversation(old)
		m.receipts.Reset()

		if m.machine.Current() != Unsubscribed {
			_ = m.machine.Transition(Unsubscribed)
		}
		if err := m.channel.UnsubscribeConversation(ctx, old); err != nil {
			m.logger.Warn("unsubscribe failed", zap.String("conversation_id", old), zap.Error(err))
		}
	}

	if conversationID == "" {
		return nil
	}

	if err := m.machine.Transition(Subscribing); err != nil {
		return err
	}
	err := m.withBackoff(ctx, conversationID, func() error {
		return m.channel.SubscribeConversation(ctx, conversationID)
	})
	if err != nil {
		_ = m.machine.Transition(Unsubscribed)
		m.setDegraded(true)
		return err
	}
	if m.activeID() != conversationID {
		// Superseded by another switch while retrying.
		return nil
	}
	_ = m.machine.Transition(Subscribed)
	m.setDegraded(false)
	return nil
}

// withBackoff retries fn with doubling delays up to maxAttempts.
func (m *Manager) withBackoff(ctx context.Context, what string, fn func() error) error {
	delay := m.backoffBase
	var last error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		m.logger.Warn("subscribe attempt failed",
			zap.String("target", what),
			zap.Int("attempt", attempt),
			zap.Error(last))
		if attempt == m.maxAttempts {
			break
		}
		select {
		case <-m.clock.After(delay):
		case <-ctx.Done():
			return errs.Channel("subscribe cancelled", ctx.Err())
		}
		delay *= 2
	}
	return errs.Channel("subscribe retries exhausted", last)
}

func (m *Manager) activeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// route delivers one push event to the owning store. Conversation-scoped
// events for anything but the active conversation are dropped here, which
// is what keeps a stale event from racing into a swapped-out window.
func (m *Manager) route(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageNew:
		p, ok := evt.Payload.(transport.MessageNewPayload)
		if !ok {
			return
		}
		msg := toStateMessage(p.Message)
		fromSelf := msg.SenderID == m.sess.UserID
		// Unread/preview projection applies to every conversation; the
		// message window only to the active one.
		m.conversations.NoteIncoming(p.ConversationID, state.LastMessage{
			Content:    msg.Content,
			SenderName: msg.SenderName,
			Type:       msg.Type,
			CreatedAt:  msg.CreatedAt,
		}, fromSelf)
		if p.ConversationID == m.activeID() {
			m.messages.ApplyRemoteNew(msg)
		}
	case bus.KindMessageDeleted:
		p, ok := evt.Payload.(transport.MessageDeletedPayload)
		if !ok || p.ConversationID != m.activeID() {
			return
		}
		m.messages.ApplyRemoteDelete(p.ConversationID, p.MessageID)
	case bus.KindMessagePinned:
		p, ok := evt.Payload.(transport.MessagePinnedPayload)
		if !ok || p.ConversationID != m.activeID() {
			return
		}
		m.messages.ApplyRemotePin(p.ConversationID, p.MessageID, p.Pinned)
	case bus.KindTypingStatus:
		p, ok := evt.Payload.(transport.TypingPayload)
		if !ok || p.UserID == m.sess.UserID || p.ConversationID != m.activeID() {
			return
		}
		m.typing.ApplyRemote(p.ConversationID, p.UserID, p.Username, p.IsTyping)
	case bus.KindReadReceipt:
		p, ok := evt.Payload.(transport.ReadReceiptPayload)
		if !ok {
			return
		}
		if m.receipts.RecordRead(p.MessageID, p.UserID) {
			m.messages.IncrementReadCount(p.MessageID)
		}
	case bus.KindConversationUpdated, bus.KindConversationCreated:
		p, ok := evt.Payload.(transport.ConversationUpdatedPayload)
		if !ok {
			return
		}
		m.conversations.UpsertFromPush(p.ConversationID, toStatePatch(p.Patch))
	}
}

func toStateMessage(p transport.MessagePayload) state.Message {
	return state.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		SenderAvatar:   p.SenderAvatar,
		Content:        p.Content,
		Type:           state.MessageType(p.Type),
		CreatedAt:      time.UnixMilli(p.CreatedAtMS),
		Pinned:         p.Pinned,
		ReadCount:      p.ReadCount,
		Delivery:       state.Sent,
	}
}

func toStatePatch(p transport.ConversationPatch) state.ConversationPatch {
	out := state.ConversationPatch{
		Name:        p.Name,
		Avatar:      p.Avatar,
		UnreadCount: p.UnreadCount,
		Pinned:      p.Pinned,
		Muted:       p.Muted,
		Archived:    p.Archived,
		IsOnline:    p.IsOnline,
	}
	if p.Kind != nil {
		kind := state.ConversationKind(*p.Kind)
		out.Kind = &kind
	}
	if p.LastMessage != nil {
		out.LastMessage = &state.LastMessage{
			Content:    p.LastMessage.Content,
			SenderName: p.LastMessage.SenderName,
			Type:       state.MessageType(p.LastMessage.Type),
			CreatedAt:  time.UnixMilli(p.LastMessage.CreatedAtMS),
		}
	}
	if p.UpdatedAtMS > 0 {
		out.UpdatedAt = time.UnixMilli(p.UpdatedAtMS)
	}
	return out
}
