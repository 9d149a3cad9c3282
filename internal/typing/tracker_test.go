package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	testWindow   = 4 * time.Second
	testThrottle = 3 * time.Second
)

type fakeSignaler struct {
	mu    sync.Mutex
	calls []bool // recorded isTyping values
}

func (f *fakeSignaler) SendTyping(_ context.Context, _ string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, isTyping)
	return nil
}

func (f *fakeSignaler) recorded() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.calls))
	copy(out, f.calls)
	return out
}

func testTracker() (*Tracker, *clock.Fake, *fakeSignaler) {
	ck := clock.NewFake(testBase)
	sig := &fakeSignaler{}
	return NewTracker(testWindow, testThrottle, sig, bus.New(), ck, nil), ck, sig
}

func TestTrackerExpiresAfterWindow(t *testing.T) {
	tr, ck, _ := testTracker()

	tr.ApplyRemote("c1", "u2", "alice", true)
	if got := tr.CurrentlyTyping("c1"); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("CurrentlyTyping = %v, want [u2]", got)
	}

	// Just inside the window the user still shows.
	ck.Advance(testWindow - time.Millisecond)
	if got := tr.CurrentlyTyping("c1"); len(got) != 1 {
		t.Fatalf("expired early: %v", got)
	}

	// At exactly window age the entry lapses.
	ck.Advance(time.Millisecond)
	if got := tr.CurrentlyTyping("c1"); len(got) != 0 {
		t.Fatalf("not expired at window edge: %v", got)
	}
}

func TestTrackerRefreshExtendsWindow(t *testing.T) {
	tr, ck, _ := testTracker()

	tr.ApplyRemote("c1", "u2", "alice", true)
	ck.Advance(3 * time.Second)
	tr.ApplyRemote("c1", "u2", "alice", true)
	ck.Advance(3 * time.Second)

	// Six seconds after the first signal, three after the refresh.
	if got := tr.CurrentlyTyping("c1"); len(got) != 1 {
		t.Fatalf("refresh did not extend window: %v", got)
	}
}

func TestTrackerExplicitStop(t *testing.T) {
	tr, _, _ := testTracker()

	tr.ApplyRemote("c1", "u2", "alice", true)
	tr.ApplyRemote("c1", "u3", "bob", true)
	tr.ApplyRemote("c1", "u2", "alice", false)

	got := tr.CurrentlyTyping("c1")
	if len(got) != 1 || got[0] != "u3" {
		t.Fatalf("CurrentlyTyping = %v, want [u3]", got)
	}
}

func TestTrackerTypingNamesFallsBackToID(t *testing.T) {
	tr, _, _ := testTracker()

	tr.ApplyRemote("c1", "u2", "alice", true)
	tr.ApplyRemote("c1", "u3", "", true)

	names := tr.TypingNames("c1")
	if len(names) != 2 {
		t.Fatalf("names = %v, want two entries", names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["alice"] || !seen["u3"] {
		t.Fatalf("names = %v, want alice and u3", names)
	}
}

func TestTrackerClearConversation(t *testing.T) {
	tr, _, sig := testTracker()

	tr.ApplyRemote("c1", "u2", "alice", true)
	tr.InputActivity(context.Background(), "c1")
	tr.ClearConversation("c1")

	if got := tr.CurrentlyTyping("c1"); len(got) != 0 {
		t.Fatalf("entries survived clear: %v", got)
	}
	// The local burst was reset too, so no trailing false signal goes out.
	tr.InputCleared(context.Background(), "c1")
	if calls := sig.recorded(); len(calls) != 1 || !calls[0] {
		t.Fatalf("signals = %v, want single true", calls)
	}
}

func TestTrackerThrottlesOutboundSignals(t *testing.T) {
	tr, ck, sig := testTracker()
	ctx := context.Background()

	// A burst of keystrokes produces one signal.
	tr.InputActivity(ctx, "c1")
	tr.InputActivity(ctx, "c1")
	tr.InputActivity(ctx, "c1")
	if calls := sig.recorded(); len(calls) != 1 {
		t.Fatalf("signals = %v, want single true per burst", calls)
	}

	// After the throttle interval the signal refreshes.
	ck.Advance(testThrottle)
	tr.InputActivity(ctx, "c1")
	if calls := sig.recorded(); len(calls) != 2 {
		t.Fatalf("signals = %v, want refresh after throttle", calls)
	}

	// Clearing the composer ends the burst with a false signal, once.
	tr.InputCleared(ctx, "c1")
	tr.InputCleared(ctx, "c1")
	calls := sig.recorded()
	if len(calls) != 3 || calls[2] {
		t.Fatalf("signals = %v, want true,true,false", calls)
	}
}

func TestTrackerSwitchingConversationRestartsBurst(t *testing.T) {
	tr, _, sig := testTracker()
	ctx := context.Background()

	tr.InputActivity(ctx, "c1")
	tr.InputActivity(ctx, "c2")
	calls := sig.recorded()
	if len(calls) != 2 {
		t.Fatalf("signals = %v, want one per conversation", calls)
	}
}
