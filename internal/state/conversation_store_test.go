package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
	"github.com/dmarins/chatsync/internal/errs"
)

type fakeConversationAPI struct {
	mu        sync.Mutex
	listConvs []Conversation
	listPage  Page
	listErr   error
	listCalls int

	detail    Conversation
	detailErr error

	pinErr        error
	muteErr       error
	archiveErr    error
	deleteErr     error
	markReadErr   error
	markReadCalls int
}

func (f *fakeConversationAPI) ListConversations(_ context.Context, _ string, _ int) ([]Conversation, Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]Conversation, len(f.listConvs))
	copy(out, f.listConvs)
	return out, f.listPage, f.listErr
}

func (f *fakeConversationAPI) GetConversation(_ context.Context, _ string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detail, f.detailErr
}

func (f *fakeConversationAPI) PinConversation(_ context.Context, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinErr
}

func (f *fakeConversationAPI) MuteConversation(_ context.Context, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muteErr
}

func (f *fakeConversationAPI) ArchiveConversation(_ context.Context, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archiveErr
}

func (f *fakeConversationAPI) DeleteConversation(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeConversationAPI) MarkRead(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return f.markReadErr
}

func (f *fakeConversationAPI) readCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markReadCalls
}

func testConversationStore(api ConversationAPI) *ConversationStore {
	return NewConversationStore(api, bus.New(), clock.NewFake(testBase), nil)
}

func conv(id, name string, updated time.Time) Conversation {
	return Conversation{ID: id, Kind: OneToOne, Name: name, UpdatedAt: updated}
}

func TestConversationStoreLoadMoreSkipsDuplicates(t *testing.T) {
	api := &fakeConversationAPI{
		listConvs: []Conversation{conv("c1", "alice", testBase), conv("c2", "bob", testBase)},
		listPage:  Page{NextCursor: "p2", HasMore: true},
	}
	s := testConversationStore(api)
	if err := s.Load(context.Background(), 30); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.listConvs = []Conversation{conv("c2", "bob", testBase), conv("c3", "carol", testBase)}
	api.listPage = Page{}
	api.mu.Unlock()

	if err := s.LoadMore(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Snapshot()); got != 3 {
		t.Fatalf("got %d conversations, want 3 (dedup across pages)", got)
	}
	if s.HasMore() {
		t.Error("HasMore = true after final page")
	}
}

func TestConversationStoreDeriveViewOrdering(t *testing.T) {
	s := testConversationStore(&fakeConversationAPI{})
	old := conv("c1", "alice", testBase)
	old.LastMessage = &LastMessage{CreatedAt: testBase.Add(time.Minute)}
	pinned := conv("c2", "bob", testBase)
	pinned.Pinned = true
	pinned.LastMessage = &LastMessage{CreatedAt: testBase.Add(-time.Hour)}
	recent := conv("c3", "carol", testBase)
	recent.LastMessage = &LastMessage{CreatedAt: testBase.Add(2 * time.Minute)}
	archived := conv("c4", "dave", testBase)
	archived.Archived = true

	for _, c := range []Conversation{old, recent, archived, pinned} {
		s.UpsertFromPush(c.ID, patchFrom(c))
	}

	view := s.DeriveView(Filter{}, "")
	if len(view) != 3 {
		t.Fatalf("got %d conversations, want archived excluded", len(view))
	}
	// Pinned first despite the oldest activity, then by recency.
	if view[0].ID != "c2" || view[1].ID != "c3" || view[2].ID != "c1" {
		t.Fatalf("order = %s,%s,%s, want c2,c3,c1", view[0].ID, view[1].ID, view[2].ID)
	}

	if got := s.DeriveView(Filter{IncludeArchived: true}, ""); len(got) != 4 {
		t.Errorf("IncludeArchived view has %d, want 4", len(got))
	}
	if got := s.DeriveView(Filter{}, "CAR"); len(got) != 1 || got[0].ID != "c3" {
		t.Errorf("search view = %+v, want just carol", got)
	}
}

// patchFrom builds a full-field patch so tests can seed via the push path.
func patchFrom(c Conversation) ConversationPatch {
	kind := c.Kind
	return ConversationPatch{
		Kind:        &kind,
		Name:        &c.Name,
		LastMessage: c.LastMessage,
		Pinned:      &c.Pinned,
		Archived:    &c.Archived,
		UpdatedAt:   c.UpdatedAt,
	}
}

func TestConversationStoreNoteIncomingUnread(t *testing.T) {
	api := &fakeConversationAPI{
		listConvs: []Conversation{conv("c1", "alice", testBase), conv("c2", "bob", testBase)},
	}
	s := testConversationStore(api)
	if err := s.Load(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	s.SetActive("c1")

	preview := LastMessage{Content: "hi", SenderName: "bob", Type: Text, CreatedAt: testBase.Add(time.Second)}

	// Inactive conversation, foreign sender: unread goes up.
	s.NoteIncoming("c2", preview, false)
	if c, _ := s.Get("c2"); c.UnreadCount != 1 || c.LastMessage == nil || c.LastMessage.Content != "hi" {
		t.Fatalf("c2 after incoming = %+v", c)
	}

	// Active conversation: no local increment, remote mark-read fires.
	s.NoteIncoming("c1", preview, false)
	if c, _ := s.Get("c1"); c.UnreadCount != 0 {
		t.Fatalf("active conversation unread = %d, want 0", c.UnreadCount)
	}
	waitUntil(t, func() bool { return api.readCalls() == 1 })

	// Own message: never counts as unread.
	s.NoteIncoming("c2", preview, true)
	if c, _ := s.Get("c2"); c.UnreadCount != 1 {
		t.Errorf("own message bumped unread to %d", c.UnreadCount)
	}
}

func TestConversationStoreNoteIncomingCreatesUnknown(t *testing.T) {
	s := testConversationStore(&fakeConversationAPI{})
	s.NoteIncoming("c9", LastMessage{Content: "hey", CreatedAt: testBase}, false)
	c, ok := s.Get("c9")
	if !ok || c.UnreadCount != 1 {
		t.Fatalf("unknown conversation not created: %+v ok=%v", c, ok)
	}
}

func TestConversationStoreHydratesPushCreated(t *testing.T) {
	api := &fakeConversationAPI{
		detail: Conversation{ID: "c9", Kind: Group, Name: "design team", UpdatedAt: testBase},
	}
	s := testConversationStore(api)
	s.NoteIncoming("c9", LastMessage{Content: "hey", CreatedAt: testBase}, false)

	// Metadata arrives from the detail fetch; the event-driven unread count
	// is untouched by it.
	waitUntil(t, func() bool {
		c, _ := s.Get("c9")
		return c.Name == "design team" && c.Kind == Group
	})
	if c, _ := s.Get("c9"); c.UnreadCount != 1 {
		t.Errorf("hydration clobbered unread count: %d", c.UnreadCount)
	}
}

func TestConversationStoreUpsertIgnoresStalePatch(t *testing.T) {
	s := testConversationStore(&fakeConversationAPI{})
	name1 := "fresh"
	s.UpsertFromPush("c1", ConversationPatch{Name: &name1, UpdatedAt: testBase.Add(time.Minute)})

	stale := "stale"
	s.UpsertFromPush("c1", ConversationPatch{Name: &stale, UpdatedAt: testBase})

	if c, _ := s.Get("c1"); c.Name != "fresh" {
		t.Fatalf("stale patch applied, name = %q", c.Name)
	}
}

func TestConversationStoreMarkReadRestoresOnFailure(t *testing.T) {
	api := &fakeConversationAPI{markReadErr: errors.New("boom")}
	s := testConversationStore(api)
	s.NoteIncoming("c1", LastMessage{Content: "a", CreatedAt: testBase}, false)
	s.NoteIncoming("c1", LastMessage{Content: "b", CreatedAt: testBase.Add(time.Second)}, false)

	if err := s.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool {
		c, _ := s.Get("c1")
		return c.UnreadCount == 2
	})
}

func TestConversationStoreMarkReadSkipsRemoteWhenZero(t *testing.T) {
	api := &fakeConversationAPI{listConvs: []Conversation{conv("c1", "alice", testBase)}}
	s := testConversationStore(api)
	if err := s.Load(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if api.readCalls() != 0 {
		t.Errorf("markRead called remotely for an already-read conversation")
	}
}

func TestConversationStoreToggleRollsBackOnFailure(t *testing.T) {
	api := &fakeConversationAPI{
		listConvs: []Conversation{conv("c1", "alice", testBase)},
		pinErr:    errors.New("boom"),
	}
	s := testConversationStore(api)
	if err := s.Load(context.Background(), 30); err != nil {
		t.Fatal(err)
	}

	if err := s.TogglePin(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool {
		c, _ := s.Get("c1")
		return !c.Pinned
	})

	if err := s.TogglePin(context.Background(), "missing", true); err != errs.ErrConversationNotFound {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestConversationStoreDeleteRestoresOnFailure(t *testing.T) {
	api := &fakeConversationAPI{
		listConvs: []Conversation{conv("c1", "alice", testBase)},
		deleteErr: errors.New("boom"),
	}
	s := testConversationStore(api)
	if err := s.Load(context.Background(), 30); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool {
		_, ok := s.Get("c1")
		return ok
	})
}
