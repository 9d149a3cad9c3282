package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
	"github.com/dmarins/chatsync/internal/errs"
	"github.com/dmarins/chatsync/internal/session"
)

// correlationWindow bounds how far apart a pending send and its push echo
// may be timestamped and still be treated as the same logical send.
const correlationWindow = 15 * time.Second

// MessageAPI is the slice of the REST surface the message store consumes.
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]Message, Page, error)
	SendMessage(ctx context.Context, conversationID, content string, typ MessageType) (Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	PinMessage(ctx context.Context, conversationID, messageID string, pinned bool) error
}

// MessageStore owns the ordered message window for the active conversation.
// It applies optimistic local mutations and reconciles them against server
// confirmations and push events so that a send and its push echo produce
// exactly one record whichever arrives first.
//
// All mutations are serialized by the store mutex; the only suspension
// points are the REST calls, which run outside the lock. A late response
// for an abandoned conversation is discarded by comparing the conversation
// id and epoch captured at request time against the current ones.
type MessageStore struct {
	mu            sync.Mutex
	api           MessageAPI
	conversations *ConversationStore // preview/unread projections; may be nil in tests
	bus           *bus.Bus
	sess          session.Session
	clock         clock.Clock
	logger        *zap.Logger

	active     string
	epoch      uint64
	loaded     bool
	messages   []Message
	nextCursor string
	hasMore    bool
	pending    map[string]*pendingSend // local id -> in-flight send
	parked     map[string][]Message    // conversation id -> unconfirmed records carried across switches
}

type pendingSend struct {
	cancel context.CancelFunc
}

// NewMessageStore creates a message store for the given session.
func NewMessageStore(api MessageAPI, conversations *ConversationStore, b *bus.Bus, sess session.Session, ck clock.Clock, logger *zap.Logger) *MessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ck == nil {
		ck = clock.System()
	}
	return &MessageStore{
		api:           api,
		conversations: conversations,
		bus:           b,
		sess:          sess,
		clock:         ck,
		logger:        logger,
		pending:       make(map[string]*pendingSend),
		parked:        make(map[string][]Message),
	}
}

// Active returns the id of the conversation the window belongs to.
func (s *MessageStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive swaps the window to a new conversation. Server-confirmed records
// of the previous window are dropped wholesale; unconfirmed ones (pending and
// failed sends) are parked so an in-flight send keeps running to completion
// and nothing the server never saw is lost. Late fetch responses are fenced
// off by the epoch bump.
func (s *MessageStore) SetActive(conversationID string) {
	s.mu.Lock()
	if s.active == conversationID {
		s.mu.Unlock()
		return
	}
	if s.active != "" {
		var keep []Message
		for _, m := range s.messages {
			if m.Delivery != Sent {
				keep = append(keep, m)
			}
		}
		if len(keep) > 0 {
			s.parked[s.active] = append(s.parked[s.active], keep...)
		}
	}
	s.active = conversationID
	s.epoch++
	s.loaded = false
	s.messages = nil
	s.nextCursor = ""
	s.hasMore = false
	if recs := s.parked[conversationID]; len(recs) > 0 {
		delete(s.parked, conversationID)
		s.messages = append(s.messages, recs...)
		sortMessages(s.messages)
	}
	s.mu.Unlock()
	s.notifyChanged(conversationID)
}

// Load fetches the first page of the active conversation. Idempotent while
// already loaded unless force is set.
func (s *MessageStore) Load(ctx context.Context, pageSize int, force bool) error {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return errs.ErrNoActiveConversation
	}
	if s.loaded && !force {
		s.mu.Unlock()
		return nil
	}
	conv, epoch := s.active, s.epoch
	s.mu.Unlock()

	msgs, page, err := s.api.ListMessages(ctx, conv, "", pageSize)

	s.mu.Lock()
	if s.active != conv || s.epoch != epoch {
		// The user switched away while the fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// Replace the window with the fetched page, but retain local records
	// that never made it to the server (pending and failed sends) so the
	// view can still offer retry/discard.
	var local []Message
	for _, m := range s.messages {
		if m.Delivery != Sent && findMessage(msgs, m.ID) < 0 {
			local = append(local, m)
		}
	}
	s.messages = append(msgs, local...)
	sortMessages(s.messages)
	s.loaded = true
	s.nextCursor = page.NextCursor
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.notifyChanged(conv)
	return nil
}

// LoadOlder fetches the next page backwards and merges it, de-duplicated.
func (s *MessageStore) LoadOlder(ctx context.Context, pageSize int) error {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return errs.ErrNoActiveConversation
	}
	if !s.loaded || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	conv, epoch, cursor := s.active, s.epoch, s.nextCursor
	s.mu.Unlock()

	msgs, page, err := s.api.ListMessages(ctx, conv, cursor, pageSize)

	s.mu.Lock()
	if s.active != conv || s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, m := range msgs {
		if findMessage(s.messages, m.ID) < 0 {
			s.messages = append(s.messages, m)
		}
	}
	sortMessages(s.messages)
	s.nextCursor = page.NextCursor
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.notifyChanged(conv)
	return nil
}

// Send appends a pending message synchronously and dispatches the remote
// send asynchronously. Returns the local id of the pending record.
func (s *MessageStore) Send(ctx context.Context, content string, typ MessageType) (string, error) {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return "", errs.ErrNoActiveConversation
	}

	localID := uuid.New().String()
	now := s.clock.Now()
	m := Message{
		ID:             localID,
		ConversationID: s.active,
		SenderID:       s.sess.UserID,
		SenderName:     s.sess.Username,
		Content:        content,
		Type:           typ,
		CreatedAt:      now,
		Delivery:       Pending,
	}
	s.messages = append(s.messages, m)
	sortMessages(s.messages)

	sendCtx, cancel := context.WithCancel(ctx)
	s.pending[localID] = &pendingSend{cancel: cancel}
	conv := s.active
	if s.conversations != nil {
		s.conversations.NoteOutgoing(conv, lastMessageOf(m))
	}
	s.mu.Unlock()

	s.notifyChanged(conv)
	go s.dispatchSend(sendCtx, conv, localID, content, typ)
	return localID, nil
}

func (s *MessageStore) dispatchSend(ctx context.Context, conv string, localID string, content string, typ MessageType) {
	confirmed, err := s.api.SendMessage(ctx, conv, content, typ)

	s.mu.Lock()
	if _, ok := s.pending[localID]; !ok {
		// Cancelled via Delete, or already confirmed by the push echo.
		s.mu.Unlock()
		return
	}
	delete(s.pending, localID)

	if s.active != conv {
		// The user switched away mid-send; the record was parked by
		// SetActive and settles there.
		if err != nil {
			s.markParkedLocked(conv, localID, Failed)
			s.mu.Unlock()
			s.notifyMutationFailed(conv, errs.Mutation("send message", err))
			return
		}
		s.removeParkedLocked(conv, localID)
		s.mu.Unlock()
		if s.conversations != nil {
			s.conversations.NoteOutgoing(conv, lastMessageOf(confirmed))
		}
		return
	}

	if err != nil {
		if idx := findMessage(s.messages, localID); idx >= 0 {
			s.messages[idx].Delivery = Failed
		}
		s.mu.Unlock()
		s.notifyChanged(conv)
		s.notifyMutationFailed(conv, errs.Mutation("send message", err))
		return
	}

	confirmed.Delivery = Sent
	if idx := findMessage(s.messages, confirmed.ID); idx >= 0 {
		// Push echo arrived first and was reconciled against a different
		// pending record match; drop the now-redundant local one.
		if li := findMessage(s.messages, localID); li >= 0 {
			s.messages = append(s.messages[:li], s.messages[li+1:]...)
		}
		s.messages[findMessage(s.messages, confirmed.ID)].Delivery = Sent
	} else if idx := findMessage(s.messages, localID); idx >= 0 {
		s.messages[idx] = confirmed
		sortMessages(s.messages)
	} else {
		s.messages = append(s.messages, confirmed)
		sortMessages(s.messages)
	}
	if s.conversations != nil {
		s.conversations.NoteOutgoing(conv, lastMessageOf(confirmed))
	}
	s.mu.Unlock()
	s.notifyChanged(conv)
}

// Delete removes a message optimistically and issues the remote delete.
// Deleting a pending message cancels the in-flight send instead.
func (s *MessageStore) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return errs.ErrNoActiveConversation
	}
	idx := findMessage(s.messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return errs.ErrMessageNotFound
	}
	removed := s.messages[idx]
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)

	// Pending and failed records never reached the server; deleting them is
	// purely local, and for a pending one the in-flight send is cancelled.
	if removed.Delivery != Sent {
		if p, ok := s.pending[messageID]; ok {
			p.cancel()
			delete(s.pending, messageID)
		}
		conv := s.active
		s.mu.Unlock()
		s.notifyChanged(conv)
		return nil
	}

	conv, epoch := s.active, s.epoch
	s.mu.Unlock()
	s.notifyChanged(conv)

	go func() {
		if err := s.api.DeleteMessage(ctx, conv, messageID); err != nil {
			s.mu.Lock()
			if s.active == conv && s.epoch == epoch && findMessage(s.messages, messageID) < 0 {
				s.messages = append(s.messages, removed)
				sortMessages(s.messages)
			}
			s.mu.Unlock()
			s.notifyChanged(conv)
			s.notifyMutationFailed(conv, errs.Mutation("delete message", err))
		}
	}()
	return nil
}

// TogglePin flips a message's pinned flag optimistically, rolling back if
// the remote call fails.
func (s *MessageStore) TogglePin(ctx context.Context, messageID string, pinned bool) error {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return errs.ErrNoActiveConversation
	}
	idx := findMessage(s.messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return errs.ErrMessageNotFound
	}
	if s.messages[idx].Delivery == Pending {
		s.mu.Unlock()
		return errs.FailedPrecondition("cannot pin a message awaiting confirmation")
	}
	prev := s.messages[idx].Pinned
	s.messages[idx].Pinned = pinned
	conv, epoch := s.active, s.epoch
	s.mu.Unlock()
	s.notifyChanged(conv)

	go func() {
		if err := s.api.PinMessage(ctx, conv, messageID, pinned); err != nil {
			s.mu.Lock()
			if s.active == conv && s.epoch == epoch {
				if i := findMessage(s.messages, messageID); i >= 0 {
					s.messages[i].Pinned = prev
				}
			}
			s.mu.Unlock()
			s.notifyChanged(conv)
			s.notifyMutationFailed(conv, errs.Mutation("pin message", err))
		}
	}()
	return nil
}

// ApplyRemoteNew ingests a message.new push event. An event matching an
// outstanding pending send is treated as that send's confirmation rather
// than a new record.
func (s *MessageStore) ApplyRemoteNew(m Message) {
	s.mu.Lock()
	if m.ConversationID != s.active {
		s.mu.Unlock()
		return
	}
	m.Delivery = Sent

	if m.SenderID == s.sess.UserID {
		if localID := s.correlatePendingLocked(m); localID != "" {
			if p, ok := s.pending[localID]; ok {
				p.cancel()
				delete(s.pending, localID)
			}
			if idx := findMessage(s.messages, localID); idx >= 0 {
				s.messages[idx] = m
				sortMessages(s.messages)
			}
			conv := s.active
			s.mu.Unlock()
			s.notifyChanged(conv)
			return
		}
	}

	if idx := findMessage(s.messages, m.ID); idx >= 0 {
		// Idempotent upsert: the REST confirmation may already have landed.
		s.messages[idx] = m
		sortMessages(s.messages)
	} else {
		s.messages = append(s.messages, m)
		sortMessages(s.messages)
	}
	conv := s.active
	s.mu.Unlock()
	s.notifyChanged(conv)
}

// correlatePendingLocked finds a pending record that matches the push echo
// of one of our own sends: same content, timestamps within the window.
func (s *MessageStore) correlatePendingLocked(m Message) string {
	for localID := range s.pending {
		idx := findMessage(s.messages, localID)
		if idx < 0 {
			continue
		}
		rec := s.messages[idx]
		if rec.Content == m.Content && absDuration(rec.CreatedAt.Sub(m.CreatedAt)) <= correlationWindow {
			return localID
		}
	}
	return ""
}

// ApplyRemoteDelete ingests a message.deleted push event.
func (s *MessageStore) ApplyRemoteDelete(conversationID, messageID string) {
	s.mu.Lock()
	if conversationID != s.active {
		s.mu.Unlock()
		return
	}
	if p, ok := s.pending[messageID]; ok {
		p.cancel()
		delete(s.pending, messageID)
	}
	if idx := findMessage(s.messages, messageID); idx >= 0 {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	}
	s.mu.Unlock()
	s.notifyChanged(conversationID)
}

// ApplyRemotePin ingests a message.pinned push event. A pin for a message
// not in the window cannot be materialized locally and is only logged.
func (s *MessageStore) ApplyRemotePin(conversationID, messageID string, pinned bool) {
	s.mu.Lock()
	if conversationID != s.active {
		s.mu.Unlock()
		return
	}
	idx := findMessage(s.messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("pin event for unknown message",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", messageID))
		return
	}
	s.messages[idx].Pinned = pinned
	s.mu.Unlock()
	s.notifyChanged(conversationID)
}

// IncrementReadCount bumps a message's read count after a first-time read
// receipt. Returns false if the message is not in the window.
func (s *MessageStore) IncrementReadCount(messageID string) bool {
	s.mu.Lock()
	idx := findMessage(s.messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[idx].ReadCount++
	conv := s.active
	s.mu.Unlock()
	s.notifyChanged(conv)
	return true
}

// Snapshot returns a copy of the current window in display order.
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// HasMore reports whether older pages remain on the server.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *MessageStore) notifyChanged(conversationID string) {
	if s.bus != nil {
		s.bus.PublishKind(bus.KindMessagesChanged, conversationID, nil)
	}
}

func (s *MessageStore) notifyMutationFailed(conversationID string, err error) {
	s.logger.Warn("message mutation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	if s.bus != nil {
		s.bus.PublishKind(bus.KindMutationFailed, conversationID, err)
	}
}

func lastMessageOf(m Message) LastMessage {
	return LastMessage{
		Content:    m.Content,
		SenderName: m.SenderName,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
	}
}

// sortMessages orders by (createdAt, id) ascending, the window invariant.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (s *MessageStore) markParkedLocked(conv, localID string, d DeliveryState) {
	recs := s.parked[conv]
	for i := range recs {
		if recs[i].ID == localID {
			recs[i].Delivery = d
			return
		}
	}
}

func (s *MessageStore) removeParkedLocked(conv, localID string) {
	recs := s.parked[conv]
	for i := range recs {
		if recs[i].ID == localID {
			s.parked[conv] = append(recs[:i], recs[i+1:]...)
			if len(s.parked[conv]) == 0 {
				delete(s.parked, conv)
			}
			return
		}
	}
}

func findMessage(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
