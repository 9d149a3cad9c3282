package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/config"
	"github.com/dmarins/chatsync/internal/errs"
	"github.com/dmarins/chatsync/internal/receipts"
	"github.com/dmarins/chatsync/internal/state"
	"github.com/dmarins/chatsync/internal/subscription"
	"github.com/dmarins/chatsync/internal/typing"
)

// Engine is the facade a frontend talks to: read-side snapshots of the
// synchronized state and write-side intents, with a coalesced refresh signal
// whenever anything underneath changes. It owns no state of its own beyond
// the last surfaced error; everything lives in the stores.
type Engine struct {
	cfg           *config.Config
	bus           *bus.Bus
	messages      *state.MessageStore
	conversations *state.ConversationStore
	typing        *typing.Tracker
	receipts      *receipts.Aggregator
	manager       *subscription.Manager
	logger        *zap.Logger

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc

	refreshCh chan struct{}
}

// New creates an engine over the assembled stores.
func New(cfg *config.Config, b *bus.Bus, messages *state.MessageStore, conversations *state.ConversationStore, tracker *typing.Tracker, aggregator *receipts.Aggregator, manager *subscription.Manager, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:           cfg,
		bus:           b,
		messages:      messages,
		conversations: conversations,
		typing:        tracker,
		receipts:      aggregator,
		manager:       manager,
		logger:        logger,
		refreshCh:     make(chan struct{}, 1),
	}
}

// Start begins routing push events, binds the account stream and loads the
// first page of conversations. A failed account subscription degrades the
// engine but does not abort startup; a failed initial load does.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	storeCh, unsubStore := e.bus.Subscribe(bus.KindStorePrefix, 128)
	chanCh, unsubChan := e.bus.Subscribe("channel.", 16)
	subCh, unsubSub := e.bus.Subscribe("subscription.", 16)
	go e.watch(ctx, storeCh, chanCh, subCh, unsubStore, unsubChan, unsubSub)

	if err := e.manager.Start(ctx); err != nil {
		e.logger.Warn("account stream unavailable, continuing degraded", zap.Error(err))
		e.recordErr(err)
	}

	if err := e.conversations.Load(ctx, e.cfg.ConversationPageSize); err != nil {
		return err
	}
	return nil
}

// Stop tears down routing and the refresh loop.
func (e *Engine) Stop() {
	e.manager.Stop()
	if e.cancel != nil {
		e.cancel()
	}
}

// watch collapses every store change, channel degradation and subscription
// transition into the single refresh signal the frontend polls on. The
// subscriptions are taken synchronously in Start so no event published after
// Start returns can be missed.
func (e *Engine) watch(ctx context.Context, storeCh, chanCh, subCh <-chan bus.Event, unsubStore, unsubChan, unsubSub func()) {
	defer unsubStore()
	defer unsubChan()
	defer unsubSub()

	for {
		select {
		case evt := <-storeCh:
			if evt.Kind == bus.KindMutationFailed {
				if err, ok := evt.Payload.(error); ok {
					e.recordErr(err)
				}
			}
			e.signalRefresh()
		case <-chanCh:
			e.signalRefresh()
		case <-subCh:
			e.signalRefresh()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) signalRefresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

// RefreshCh delivers a coalesced signal whenever any snapshot may have
// changed. The frontend re-reads what it renders on each tick.
func (e *Engine) RefreshCh() <-chan struct{} { return e.refreshCh }

func (e *Engine) recordErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.signalRefresh()
}

// LastError returns the most recent asynchronous failure (rolled-back
// mutations, exhausted subscribes) and clears it.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.lastErr
	e.lastErr = nil
	return err
}

// Degraded reports whether the engine is running without live push events.
func (e *Engine) Degraded() bool { return e.manager.Degraded() }

// Messages returns the active conversation's window in display order.
func (e *Engine) Messages() []state.Message { return e.messages.Snapshot() }

// HasOlderMessages reports whether older pages remain to fetch.
func (e *Engine) HasOlderMessages() bool { return e.messages.HasMore() }

// Conversations returns the filtered, sorted conversation list.
func (e *Engine) Conversations(filter state.Filter, searchQuery string) []state.Conversation {
	return e.conversations.DeriveView(filter, searchQuery)
}

// Conversation returns one conversation by id.
func (e *Engine) Conversation(id string) (state.Conversation, bool) {
	return e.conversations.Get(id)
}

// TypingNames returns display names of users currently typing in the active
// conversation.
func (e *Engine) TypingNames() []string {
	return e.typing.TypingNames(e.messages.Active())
}

// ReadCount returns how many distinct users sent a live read receipt for the
// message since the conversation became active.
func (e *Engine) ReadCount(messageID string) int {
	return e.receipts.CountFor(messageID)
}

// ActiveConversation returns the id of the selected conversation, or "".
func (e *Engine) ActiveConversation() string { return e.messages.Active() }

// SelectConversation switches the active conversation: rebinds the channel
// subscription, loads the message window and clears the unread count. A
// subscribe failure leaves the selection in place, degraded; a load failure
// is returned so the caller can retry.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	if err := e.manager.SetActiveConversation(ctx, conversationID); err != nil {
		e.logger.Warn("conversation subscribe failed", zap.String("conversation_id", conversationID), zap.Error(err))
		e.recordErr(err)
	}
	if conversationID == "" {
		return nil
	}
	if err := e.messages.Load(ctx, e.cfg.PageSize, false); err != nil {
		return err
	}
	if err := e.conversations.MarkRead(ctx, conversationID); err != nil && !errs.Is(err, errs.CodeNotFound) {
		return err
	}
	return nil
}

// LoadConversations fetches the first conversation page.
func (e *Engine) LoadConversations(ctx context.Context) error {
	return e.conversations.Load(ctx, e.cfg.ConversationPageSize)
}

// LoadMoreConversations fetches the next conversation page.
func (e *Engine) LoadMoreConversations(ctx context.Context) error {
	return e.conversations.LoadMore(ctx, e.cfg.ConversationPageSize)
}

// LoadOlderMessages extends the active message window backwards.
func (e *Engine) LoadOlderMessages(ctx context.Context) error {
	return e.messages.LoadOlder(ctx, e.cfg.PageSize)
}

// Send queues a message to the active conversation and ends the local typing
// burst. Returns the local id of the pending record.
func (e *Engine) Send(ctx context.Context, content string, typ state.MessageType) (string, error) {
	localID, err := e.messages.Send(ctx, content, typ)
	if err != nil {
		return "", err
	}
	e.typing.InputCleared(ctx, e.messages.Active())
	return localID, nil
}

// DeleteMessage removes a message from the active conversation.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	return e.messages.Delete(ctx, messageID)
}

// TogglePinMessage pins or unpins a message in the active conversation.
func (e *Engine) TogglePinMessage(ctx context.Context, messageID string, pinned bool) error {
	return e.messages.TogglePin(ctx, messageID, pinned)
}

// TogglePinConversation pins or unpins a conversation.
func (e *Engine) TogglePinConversation(ctx context.Context, conversationID string, pinned bool) error {
	return e.conversations.TogglePin(ctx, conversationID, pinned)
}

// ToggleMuteConversation mutes or unmutes a conversation.
func (e *Engine) ToggleMuteConversation(ctx context.Context, conversationID string, muted bool) error {
	return e.conversations.ToggleMute(ctx, conversationID, muted)
}

// ArchiveConversation archives or unarchives a conversation.
func (e *Engine) ArchiveConversation(ctx context.Context, conversationID string, archived bool) error {
	return e.conversations.Archive(ctx, conversationID, archived)
}

// DeleteConversation removes a conversation. Deleting the active one also
// clears the selection.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := e.conversations.Delete(ctx, conversationID); err != nil {
		return err
	}
	if e.messages.Active() == conversationID {
		if err := e.manager.SetActiveConversation(ctx, ""); err != nil {
			e.logger.Warn("unsubscribe after delete failed", zap.Error(err))
		}
	}
	return nil
}

// MarkRead clears a conversation's unread count.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.conversations.MarkRead(ctx, conversationID)
}

// SignalTyping reports composer activity in the active conversation.
func (e *Engine) SignalTyping(ctx context.Context) {
	if active := e.messages.Active(); active != "" {
		e.typing.InputActivity(ctx, active)
	}
}

// ClearTyping reports that the composer emptied without a send.
func (e *Engine) ClearTyping(ctx context.Context) {
	if active := e.messages.Active(); active != "" {
		e.typing.InputCleared(ctx, active)
	}
}
