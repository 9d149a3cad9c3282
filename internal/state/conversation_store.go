package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
	"github.com/dmarins/chatsync/internal/errs"
)

// ConversationAPI is the slice of the REST surface the conversation store
// consumes.
type ConversationAPI interface {
	ListConversations(ctx context.Context, cursor string, limit int) ([]Conversation, Page, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	PinConversation(ctx context.Context, conversationID string, pinned bool) error
	MuteConversation(ctx context.Context, conversationID string, muted bool) error
	ArchiveConversation(ctx context.Context, conversationID string, archived bool) error
	DeleteConversation(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string) error
}

// ConversationStore owns the conversation list and its preview/unread
// projections across all conversations simultaneously. It merges paged REST
// fetches with push-driven partial updates; unread counts are event-driven,
// never fetch-driven, once the initial page has loaded.
type ConversationStore struct {
	mu     sync.Mutex
	api    ConversationAPI
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger

	active        string
	loaded        bool
	conversations []Conversation
	nextCursor    string
	hasMore       bool
}

// NewConversationStore creates a conversation store.
func NewConversationStore(api ConversationAPI, b *bus.Bus, ck clock.Clock, logger *zap.Logger) *ConversationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ck == nil {
		ck = clock.System()
	}
	return &ConversationStore{
		api:    api,
		bus:    b,
		clock:  ck,
		logger: logger,
	}
}

// SetActive records which conversation the user is viewing; message.new
// events for it suppress the unread increment.
func (s *ConversationStore) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// Load replaces the list with the first page.
func (s *ConversationStore) Load(ctx context.Context, pageSize int) error {
	convs, page, err := s.api.ListConversations(ctx, "", pageSize)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conversations = convs
	s.nextCursor = page.NextCursor
	s.hasMore = page.HasMore
	s.loaded = true
	s.mu.Unlock()
	s.notifyChanged("")
	return nil
}

// LoadMore appends the next page, skipping conversations already present.
func (s *ConversationStore) LoadMore(ctx context.Context, pageSize int) error {
	s.mu.Lock()
	if !s.loaded || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	cursor := s.nextCursor
	s.mu.Unlock()

	convs, page, err := s.api.ListConversations(ctx, cursor, pageSize)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, c := range convs {
		if s.indexLocked(c.ID) < 0 {
			s.conversations = append(s.conversations, c)
		}
	}
	s.nextCursor = page.NextCursor
	s.hasMore = page.HasMore
	s.mu.Unlock()
	s.notifyChanged("")
	return nil
}

// UpsertFromPush merges a partial conversation update by id, creating the
// record if the id is unseen. Stale patches (older updatedAt) are ignored
// to keep updatedAt monotonic.
func (s *ConversationStore) UpsertFromPush(conversationID string, patch ConversationPatch) {
	s.mu.Lock()
	created := false
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		// Unknown id: a fresh insert beats dropping state on the floor.
		s.conversations = append(s.conversations, Conversation{ID: conversationID, Kind: OneToOne})
		idx = len(s.conversations) - 1
		created = true
		s.logger.Debug("conversation created from push", zap.String("conversation_id", conversationID))
	}
	c := &s.conversations[idx]
	if !patch.UpdatedAt.IsZero() && patch.UpdatedAt.Before(c.UpdatedAt) {
		s.mu.Unlock()
		return
	}
	if patch.Kind != nil {
		c.Kind = *patch.Kind
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Avatar != nil {
		c.Avatar = *patch.Avatar
	}
	if patch.LastMessage != nil {
		c.LastMessage = patch.LastMessage
	}
	if patch.UnreadCount != nil && *patch.UnreadCount >= 0 {
		c.UnreadCount = *patch.UnreadCount
	}
	if patch.Pinned != nil {
		c.Pinned = *patch.Pinned
	}
	if patch.Muted != nil {
		c.Muted = *patch.Muted
	}
	if patch.Archived != nil {
		c.Archived = *patch.Archived
	}
	if patch.IsOnline != nil {
		c.IsOnline = *patch.IsOnline
	}
	if patch.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = patch.UpdatedAt
	}
	s.mu.Unlock()
	s.notifyChanged(conversationID)
	if created {
		go s.hydrate(conversationID)
	}
}

// NoteIncoming projects a message.new event: preview update always, unread
// increment only when the conversation is inactive and the sender is
// someone else. For the active conversation an immediate remote markRead
// keeps the server's count at zero.
func (s *ConversationStore) NoteIncoming(conversationID string, preview LastMessage, fromSelf bool) {
	s.mu.Lock()
	created := false
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.conversations = append(s.conversations, Conversation{ID: conversationID, Kind: OneToOne})
		idx = len(s.conversations) - 1
		created = true
		s.logger.Debug("conversation created from message push", zap.String("conversation_id", conversationID))
	}
	c := &s.conversations[idx]
	p := preview
	c.LastMessage = &p
	if preview.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = preview.CreatedAt
	}
	activeNow := conversationID == s.active
	if !activeNow && !fromSelf {
		c.UnreadCount++
	}
	s.mu.Unlock()
	s.notifyChanged(conversationID)
	if created {
		go s.hydrate(conversationID)
	}

	if activeNow && !fromSelf {
		go func() {
			if err := s.api.MarkRead(context.Background(), conversationID); err != nil {
				s.logger.Warn("auto mark-read failed", zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}()
	}
}

// hydrate fetches the full record for a conversation first seen through a
// push event. Only metadata is merged; unread counts and previews stay
// event-driven.
func (s *ConversationStore) hydrate(conversationID string) {
	c, err := s.api.GetConversation(context.Background(), conversationID)
	if err != nil {
		s.logger.Debug("conversation hydrate failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.mu.Lock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	cur := &s.conversations[idx]
	if c.Kind != "" {
		cur.Kind = c.Kind
	}
	if c.Name != "" {
		cur.Name = c.Name
	}
	if c.Avatar != "" {
		cur.Avatar = c.Avatar
	}
	cur.IsOnline = c.IsOnline
	if c.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = c.UpdatedAt
	}
	s.mu.Unlock()
	s.notifyChanged(conversationID)
}

// NoteOutgoing projects a local send (optimistic or confirmed) into the
// conversation preview. Never touches the unread count.
func (s *ConversationStore) NoteOutgoing(conversationID string, preview LastMessage) {
	s.mu.Lock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	c := &s.conversations[idx]
	if c.LastMessage == nil || !preview.CreatedAt.Before(c.LastMessage.CreatedAt) {
		p := preview
		c.LastMessage = &p
	}
	if preview.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = preview.CreatedAt
	}
	s.mu.Unlock()
	s.notifyChanged(conversationID)
}

// TogglePin flips a conversation's pinned flag optimistically with rollback.
func (s *ConversationStore) TogglePin(ctx context.Context, conversationID string, pinned bool) error {
	return s.toggleFlag(ctx, conversationID, "pin conversation",
		func(c *Conversation) bool { prev := c.Pinned; c.Pinned = pinned; return prev },
		func(c *Conversation, prev bool) { c.Pinned = prev },
		func() error { return s.api.PinConversation(ctx, conversationID, pinned) },
	)
}

// ToggleMute flips a conversation's muted flag optimistically with rollback.
func (s *ConversationStore) ToggleMute(ctx context.Context, conversationID string, muted bool) error {
	return s.toggleFlag(ctx, conversationID, "mute conversation",
		func(c *Conversation) bool { prev := c.Muted; c.Muted = muted; return prev },
		func(c *Conversation, prev bool) { c.Muted = prev },
		func() error { return s.api.MuteConversation(ctx, conversationID, muted) },
	)
}

// Archive flips a conversation's archived flag optimistically with rollback.
func (s *ConversationStore) Archive(ctx context.Context, conversationID string, archived bool) error {
	return s.toggleFlag(ctx, conversationID, "archive conversation",
		func(c *Conversation) bool { prev := c.Archived; c.Archived = archived; return prev },
		func(c *Conversation, prev bool) { c.Archived = prev },
		func() error { return s.api.ArchiveConversation(ctx, conversationID, archived) },
	)
}

func (s *ConversationStore) toggleFlag(_ context.Context, conversationID, what string,
	apply func(*Conversation) bool, rollback func(*Conversation, bool), remote func() error) error {
	s.mu.Lock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return errs.ErrConversationNotFound
	}
	prev := apply(&s.conversations[idx])
	s.mu.Unlock()
	s.notifyChanged(conversationID)

	go func() {
		if err := remote(); err != nil {
			s.mu.Lock()
			if i := s.indexLocked(conversationID); i >= 0 {
				rollback(&s.conversations[i], prev)
			}
			s.mu.Unlock()
			s.notifyChanged(conversationID)
			s.notifyMutationFailed(conversationID, errs.Mutation(what, err))
		}
	}()
	return nil
}

// Delete removes a conversation optimistically, restoring it on failure.
func (s *ConversationStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return errs.ErrConversationNotFound
	}
	removed := s.conversations[idx]
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	s.mu.Unlock()
	s.notifyChanged(conversationID)

	go func() {
		if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
			s.mu.Lock()
			if s.indexLocked(conversationID) < 0 {
				s.conversations = append(s.conversations, removed)
			}
			s.mu.Unlock()
			s.notifyChanged(conversationID)
			s.notifyMutationFailed(conversationID, errs.Mutation("delete conversation", err))
		}
	}()
	return nil
}

// MarkRead zeroes the unread count locally and confirms remotely, restoring
// the previous count if the confirmation fails.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return errs.ErrConversationNotFound
	}
	prev := s.conversations[idx].UnreadCount
	s.conversations[idx].UnreadCount = 0
	s.mu.Unlock()
	s.notifyChanged(conversationID)
	if prev == 0 {
		return nil
	}

	go func() {
		if err := s.api.MarkRead(ctx, conversationID); err != nil {
			s.mu.Lock()
			if i := s.indexLocked(conversationID); i >= 0 && s.conversations[i].UnreadCount == 0 {
				s.conversations[i].UnreadCount = prev
			}
			s.mu.Unlock()
			s.notifyChanged(conversationID)
			s.notifyMutationFailed(conversationID, errs.Mutation("mark conversation read", err))
		}
	}()
	return nil
}

// DeriveView is the pure projection the UI renders: filter by kind, search
// and archive visibility, then sort pinned conversations first, most recent
// activity next. Pinned-before-unpinned holds regardless of recency.
func (s *ConversationStore) DeriveView(filter Filter, searchQuery string) []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := strings.ToLower(strings.TrimSpace(searchQuery))
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if filter.Kind != "" && c.Kind != filter.Kind {
			continue
		}
		if c.Archived && !filter.IncludeArchived {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(c.Name), query) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out
}

// Get returns a conversation by id.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(conversationID); idx >= 0 {
		return s.conversations[idx], true
	}
	return Conversation{}, false
}

// Snapshot returns a copy of the raw list.
func (s *ConversationStore) Snapshot() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// HasMore reports whether further pages remain on the server.
func (s *ConversationStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *ConversationStore) indexLocked(conversationID string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func lastActivity(c Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

func (s *ConversationStore) notifyChanged(conversationID string) {
	if s.bus != nil {
		s.bus.PublishKind(bus.KindConversationsChanged, conversationID, nil)
	}
}

func (s *ConversationStore) notifyMutationFailed(conversationID string, err error) {
	s.logger.Warn("conversation mutation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	if s.bus != nil {
		s.bus.PublishKind(bus.KindMutationFailed, conversationID, err)
	}
}
