package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
)

// Signaler sends the local user's typing state to the backend. Implemented
// by the transport channel.
type Signaler interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Tracker keeps the currently-typing user set per conversation. Entries
// expire lazily: a signal older than the window is excluded at read time,
// no per-entry timer needed. It also throttles the local user's outbound
// typing intent to one signal per burst of input.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	throttle time.Duration
	signaler Signaler
	bus      *bus.Bus
	logger   *zap.Logger

	entries map[string]map[string]entry // conversation -> user -> last signal

	// outbound state for the local user
	selfConversation string
	selfLastSignal   time.Time
	selfTyping       bool
}

type entry struct {
	username string
	last     time.Time
}

// NewTracker creates a tracker with the given expiry window and outbound
// throttle interval.
func NewTracker(window, throttle time.Duration, signaler Signaler, b *bus.Bus, ck clock.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ck == nil {
		ck = clock.System()
	}
	return &Tracker{
		clock:    ck,
		window:   window,
		throttle: throttle,
		signaler: signaler,
		bus:      b,
		logger:   logger,
		entries:  make(map[string]map[string]entry),
	}
}

// ApplyRemote ingests a typing.status push event for another user.
func (t *Tracker) ApplyRemote(conversationID, userID, username string, isTyping bool) {
	t.mu.Lock()
	users, ok := t.entries[conversationID]
	if !ok {
		if !isTyping {
			t.mu.Unlock()
			return
		}
		users = make(map[string]entry)
		t.entries[conversationID] = users
	}
	if isTyping {
		users[userID] = entry{username: username, last: t.clock.Now()}
	} else {
		delete(users, userID)
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.PublishKind(bus.KindTypingChanged, conversationID, nil)
	}
}

// CurrentlyTyping returns the ids of users whose last signal is within the
// window, evaluated against the clock at call time.
func (t *Tracker) CurrentlyTyping(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectLocked(conversationID, func(userID string, e entry) string { return userID })
}

// TypingNames is CurrentlyTyping but with display names, for the view.
func (t *Tracker) TypingNames(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectLocked(conversationID, func(userID string, e entry) string {
		if e.username != "" {
			return e.username
		}
		return userID
	})
}

func (t *Tracker) collectLocked(conversationID string, pick func(string, entry) string) []string {
	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}
	cutoff := t.clock.Now().Add(-t.window)
	var out []string
	for userID, e := range users {
		if e.last.After(cutoff) {
			out = append(out, pick(userID, e))
		}
	}
	return out
}

// ClearConversation drops all tracked entries for a conversation. Called on
// conversation switch so state never leaks across conversations.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	delete(t.entries, conversationID)
	if t.selfConversation == conversationID {
		t.selfTyping = false
		t.selfConversation = ""
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.PublishKind(bus.KindTypingChanged, conversationID, nil)
	}
}

// InputActivity reports a keystroke in the composer. A true signal goes out
// once per burst (and again after the throttle interval so the remote
// window does not lapse mid-burst), never on every keystroke.
func (t *Tracker) InputActivity(ctx context.Context, conversationID string) {
	t.mu.Lock()
	now := t.clock.Now()
	if t.selfTyping && t.selfConversation == conversationID && now.Sub(t.selfLastSignal) < t.throttle {
		t.mu.Unlock()
		return
	}
	t.selfTyping = true
	t.selfConversation = conversationID
	t.selfLastSignal = now
	t.mu.Unlock()

	if t.signaler == nil {
		return
	}
	if err := t.signaler.SendTyping(ctx, conversationID, true); err != nil {
		t.logger.Warn("typing signal failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// InputCleared reports that the composer emptied or a message was sent.
// Sends a false signal if a burst was in progress.
func (t *Tracker) InputCleared(ctx context.Context, conversationID string) {
	t.mu.Lock()
	wasTyping := t.selfTyping && t.selfConversation == conversationID
	if wasTyping {
		t.selfTyping = false
		t.selfConversation = ""
	}
	t.mu.Unlock()

	if !wasTyping || t.signaler == nil {
		return
	}
	if err := t.signaler.SendTyping(ctx, conversationID, false); err != nil {
		t.logger.Warn("typing clear failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
