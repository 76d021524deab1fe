package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestCreateConversationInsertsAtHeadAndActivates(t *testing.T) {
	s := New(WithClock(fixedClock()))
	first := s.NewConversation("")
	second := s.NewConversation("Pricing")

	if err := s.CreateConversation(first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := s.CreateConversation(second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != second.ID || convs[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", convs)
	}
	if s.ActiveConversationID() != second.ID {
		t.Fatalf("active = %s, want %s", s.ActiveConversationID(), second.ID)
	}
	if convs[1].Title != DefaultTitle {
		t.Fatalf("default title = %q", convs[1].Title)
	}
}

func TestCreateConversationDuplicateLeavesStateAlone(t *testing.T) {
	s := New()
	a := s.NewConversation("a")
	b := s.NewConversation("b")
	s.CreateConversation(a)
	s.CreateConversation(b)
	s.AddMessage(a.ID, Message{Role: RoleUser, Content: "hello"})

	dup := Conversation{ID: a.ID, Title: "imposter"}
	if err := s.CreateConversation(dup); !errors.Is(err, ErrDuplicateConversation) {
		t.Fatalf("expected ErrDuplicateConversation, got %v", err)
	}
	got, _ := s.Conversation(a.ID)
	if got.Title != "a" || len(got.Messages) != 1 {
		t.Fatalf("existing conversation corrupted: %+v", got)
	}
	if s.ActiveConversationID() != b.ID || len(s.Conversations()) != 2 {
		t.Fatal("duplicate create changed the store")
	}
}

func TestAddMessageKeepsCallOrder(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 50} {
		s := New()
		c := s.NewConversation("")
		s.CreateConversation(c)
		for i := 0; i < n; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			if err := s.AddMessage(c.ID, Message{Role: role, Content: fmt.Sprintf("m%d", i)}); err != nil {
				t.Fatalf("add message %d: %v", i, err)
			}
		}
		got, ok := s.ActiveConversation()
		if !ok {
			t.Fatal("no active conversation")
		}
		if len(got.Messages) != n {
			t.Fatalf("n=%d: got %d messages", n, len(got.Messages))
		}
		for i, m := range got.Messages {
			if m.Content != fmt.Sprintf("m%d", i) {
				t.Fatalf("n=%d: message %d is %q", n, i, m.Content)
			}
			if m.ID == "" || m.Timestamp.IsZero() {
				t.Fatalf("message %d missing id or timestamp", i)
			}
		}
	}
}

func TestAddMessageUpdatesUpdatedAt(t *testing.T) {
	s := New(WithClock(fixedClock()))
	c := s.NewConversation("")
	s.CreateConversation(c)
	before, _ := s.Conversation(c.ID)
	s.AddMessage(c.ID, Message{Role: RoleUser, Content: "hi"})
	after, _ := s.Conversation(c.ID)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("updatedAt not bumped: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatal("createdAt changed")
	}
}

func TestAddMessageUnknownConversation(t *testing.T) {
	s := New()
	c := s.NewConversation("")
	s.CreateConversation(c)
	if err := s.AddMessage("missing", Message{Content: "lost"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	got, _ := s.Conversation(c.ID)
	if len(got.Messages) != 0 {
		t.Fatal("message leaked into another conversation")
	}
}

func TestDeleteActiveClearsPointer(t *testing.T) {
	s := New()
	a := s.NewConversation("a")
	b := s.NewConversation("b")
	s.CreateConversation(a)
	s.CreateConversation(b)

	s.DeleteConversation(b.ID)
	if s.ActiveConversationID() != "" {
		t.Fatalf("active = %q after deleting it", s.ActiveConversationID())
	}
	if _, ok := s.ActiveConversation(); ok {
		t.Fatal("active conversation still readable")
	}
	if len(s.Conversations()) != 1 {
		t.Fatal("wrong conversation removed")
	}
}

func TestDeleteOtherOrMissingKeepsActive(t *testing.T) {
	s := New()
	a := s.NewConversation("a")
	b := s.NewConversation("b")
	s.CreateConversation(a)
	s.CreateConversation(b)

	s.DeleteConversation("does-not-exist")
	if s.ActiveConversationID() != b.ID || len(s.Conversations()) != 2 {
		t.Fatal("deleting a missing id changed the store")
	}
	s.DeleteConversation(a.ID)
	if s.ActiveConversationID() != b.ID {
		t.Fatal("deleting a non-active conversation changed the active id")
	}
}

func TestSetActiveConversationDoesNotValidate(t *testing.T) {
	s := New()
	c := s.NewConversation("")
	s.CreateConversation(c)

	s.SetActiveConversation("stale")
	if s.ActiveConversationID() != "stale" {
		t.Fatal("active id not set")
	}
	if _, ok := s.ActiveConversation(); ok {
		t.Fatal("stale id should read as no active conversation")
	}

	id := s.EnsureActiveConversation()
	if id == "stale" || id == c.ID {
		t.Fatalf("ensure returned %q, want a new conversation", id)
	}
	if len(s.Conversations()) != 2 {
		t.Fatal("ensure did not create a conversation")
	}
}

func TestEnsureActiveConversationReusesActive(t *testing.T) {
	s := New()
	id := s.EnsureActiveConversation()
	if id == "" {
		t.Fatal("no id returned")
	}
	if again := s.EnsureActiveConversation(); again != id {
		t.Fatalf("ensure created a second conversation: %s vs %s", again, id)
	}
	if len(s.Conversations()) != 1 {
		t.Fatalf("conversations = %d", len(s.Conversations()))
	}
}

func TestSelectorsReturnCopies(t *testing.T) {
	s := New()
	id := s.EnsureActiveConversation()
	score := 0.5
	s.AddMessage(id, Message{Role: RoleAssistant, Content: "a", Sources: []Source{{Filename: "x.pdf"}}, ProcessingTimeMs: &score})

	got, _ := s.ActiveConversation()
	got.Messages[0].Content = "mutated"
	got.Messages[0].Sources[0].Filename = "mutated.pdf"
	*got.Messages[0].ProcessingTimeMs = 99
	got.Title = "mutated"

	again, _ := s.ActiveConversation()
	m := again.Messages[0]
	if m.Content != "a" || m.Sources[0].Filename != "x.pdf" || *m.ProcessingTimeMs != 0.5 || again.Title == "mutated" {
		t.Fatalf("store state mutated through a selector: %+v", again)
	}
}

func TestSetLoadingIsNotPersisted(t *testing.T) {
	snap := &memorySnapshotter{}
	s := New(WithSnapshotter(snap))
	defer s.Close(context.Background())
	s.SetLoading(true)
	if !s.IsLoading() {
		t.Fatal("loading flag not set")
	}
	if len(s.pending) != 0 || snap.saveCount() != 0 {
		t.Fatal("loading flag scheduled a save")
	}
	s.SetLoading(false)
	if s.IsLoading() {
		t.Fatal("loading flag not cleared")
	}
}

func TestRenameConversation(t *testing.T) {
	s := New()
	id := s.EnsureActiveConversation()
	if err := s.RenameConversation(id, "  What   properties are\navailable in the downtown area near the park?  "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	c, _ := s.Conversation(id)
	if strings.Contains(c.Title, "\n") || len([]rune(c.Title)) > 48 || !strings.HasPrefix(c.Title, "What properties are available") {
		t.Fatalf("title = %q", c.Title)
	}
	if err := s.RenameConversation("missing", "x"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestMutationsPersist(t *testing.T) {
	snap := &memorySnapshotter{}
	s := New(WithSnapshotter(snap))
	id := s.EnsureActiveConversation()
	s.AddMessage(id, Message{Role: RoleUser, Content: "hi"})

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	last := snap.lastSaved()
	if snap.saveCount() == 0 || len(last.Conversations) != 1 || last.ActiveConversationID != id {
		t.Fatalf("last snapshot = %+v", last)
	}
	if len(last.Conversations[0].Messages) != 1 {
		t.Fatalf("final save missed the message: %+v", last.Conversations[0])
	}
}

func TestSlowSaveDoesNotBlockReaders(t *testing.T) {
	snap := &memorySnapshotter{started: make(chan struct{}, 16), release: make(chan struct{})}
	s := New(WithSnapshotter(snap))

	id := s.EnsureActiveConversation()
	<-snap.started

	// The writer is stuck in Save; reads and writes must still go through.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			s.AddMessage(id, Message{Role: RoleUser, Content: fmt.Sprintf("q%d", i)})
			s.Conversations()
			s.ActiveConversation()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("store blocked behind a pending save")
	}

	close(snap.release)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	last := snap.lastSaved()
	if len(last.Conversations) != 1 || len(last.Conversations[0].Messages) != 5 {
		t.Fatalf("final snapshot = %+v", last)
	}
	// Five appends during one slow save collapse into few saves.
	if n := snap.saveCount(); n > 3 {
		t.Fatalf("saves = %d, want the queued requests coalesced", n)
	}
}

func TestOpenFallsBackToEmpty(t *testing.T) {
	s := Open(context.Background(), WithSnapshotter(&memorySnapshotter{loadErr: ErrCorruptSnapshot}))
	if len(s.Conversations()) != 0 || s.ActiveConversationID() != "" {
		t.Fatal("expected empty store")
	}
}

func TestOpenSanitizesSnapshot(t *testing.T) {
	snap := &memorySnapshotter{snap: Snapshot{
		Conversations: []Conversation{
			{ID: "a", Title: "first"},
			{ID: "", Title: "no id"},
			{ID: "a", Title: "repeat"},
			{ID: "b", Title: "second"},
		},
		ActiveConversationID: "gone",
	}}
	s := Open(context.Background(), WithSnapshotter(snap))
	convs := s.Conversations()
	if len(convs) != 2 || convs[0].Title != "first" || convs[1].ID != "b" {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
	if convs[0].Messages == nil {
		t.Fatal("nil messages not normalised")
	}
	if s.ActiveConversationID() != "" {
		t.Fatal("dangling active id kept")
	}
}

type memorySnapshotter struct {
	snap    Snapshot
	loadErr error

	// optional: Save signals started and waits for release
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	saves int
	last  Snapshot
}

func (m *memorySnapshotter) Load(context.Context) (Snapshot, error) {
	return m.snap, m.loadErr
}

func (m *memorySnapshotter) Save(_ context.Context, snap Snapshot) error {
	if m.started != nil {
		m.started <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = snap
	return nil
}

func (m *memorySnapshotter) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memorySnapshotter) lastSaved() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
