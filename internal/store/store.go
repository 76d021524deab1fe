// Package store holds the client-side conversation state: the list of
// conversations, which one is active, and whether a response is pending.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rag-chat/internal/logger"
)

var (
	// ErrConversationNotFound is returned when a message targets an unknown conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDuplicateConversation is returned when creating a conversation whose id is taken.
	ErrDuplicateConversation = errors.New("conversation already exists")
)

// DefaultTitle is the title of a conversation before its first question.
const DefaultTitle = "New chat"

const maxTitleRunes = 48

// Store owns every Conversation and Message. Readers get copies.
type Store struct {
	mu            sync.RWMutex
	conversations []Conversation // newest first
	activeID      string
	loading       bool

	snapshotter Snapshotter
	log         *zap.Logger
	now         func() time.Time

	// Saves run on a background writer, outside mu. saveMu orders them so
	// an older snapshot never lands after a newer one.
	saveMu  sync.Mutex
	pending chan struct{}
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotter persists the store after mutations. Saves are coalesced on
// a background writer; Close performs the final one.
func WithSnapshotter(s Snapshotter) Option {
	return func(st *Store) { st.snapshotter = s }
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) { st.log = logger.OrNop(l) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		conversations: []Conversation{},
		log:           zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.snapshotter != nil {
		s.pending = make(chan struct{}, 1)
		s.quit = make(chan struct{})
		s.done = make(chan struct{})
		go s.writer()
	}
	return s
}

// Open creates a store initialised from the configured snapshotter. A missing
// or unreadable snapshot yields an empty store; Open never fails.
func Open(ctx context.Context, opts ...Option) *Store {
	s := New(opts...)
	if s.snapshotter == nil {
		return s
	}
	snap, err := s.snapshotter.Load(ctx)
	if err != nil {
		s.log.Warn("failed to load conversations, starting empty", zap.Error(err))
		return s
	}
	s.restore(snap)
	s.log.Info("conversations loaded",
		zap.Int("conversations", len(s.conversations)),
		zap.String("active_conversation_id", s.activeID),
	)
	return s
}

// restore installs snap, dropping entries that would break the store's
// invariants: empty or repeated ids and a dangling active id.
func (s *Store) restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(snap.Conversations))
	convs := make([]Conversation, 0, len(snap.Conversations))
	for _, c := range snap.Conversations {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		convs = append(convs, cloneConversation(c))
	}
	s.conversations = convs
	s.activeID = ""
	if seen[snap.ActiveConversationID] {
		s.activeID = snap.ActiveConversationID
	}
}

// NewConversation builds an empty conversation with a fresh id. It is not
// added to any store.
func (s *Store) NewConversation(title string) Conversation {
	now := s.now().UTC()
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	return Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CreateConversation inserts c at the head of the list and makes it active.
func (s *Store) CreateConversation(c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(c.ID) >= 0 {
		return ErrDuplicateConversation
	}
	s.insertLocked(c)
	s.persistLocked()
	return nil
}

// EnsureActiveConversation returns the active conversation id, creating and
// activating a new conversation when none is active or the active id is stale.
func (s *Store) EnsureActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID != "" && s.indexLocked(s.activeID) >= 0 {
		return s.activeID
	}
	c := s.NewConversation(DefaultTitle)
	s.insertLocked(c)
	s.persistLocked()
	return c.ID
}

// SetActiveConversation points the store at id without checking that it
// exists; reading a stale id yields no active conversation.
func (s *Store) SetActiveConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeID = id
	s.persistLocked()
}

// DeleteConversation removes id. Deleting the active conversation clears the
// active id. Unknown ids are ignored.
func (s *Store) DeleteConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	if s.activeID == id {
		s.activeID = ""
	}
	s.persistLocked()
}

// AddMessage appends msg to the conversation and bumps its UpdatedAt.
func (s *Store) AddMessage(conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(conversationID)
	if idx < 0 {
		return ErrConversationNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	c := &s.conversations[idx]
	c.Messages = append(c.Messages, cloneMessage(msg))
	c.UpdatedAt = s.now().UTC()
	s.persistLocked()
	return nil
}

// RenameConversation sets the title of id.
func (s *Store) RenameConversation(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return ErrConversationNotFound
	}
	s.conversations[idx].Title = TruncateTitle(title)
	s.conversations[idx].UpdatedAt = s.now().UTC()
	s.persistLocked()
	return nil
}

// SetLoading sets the pending-response flag. It is never persisted.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
}

// ActiveConversation returns a copy of the active conversation.
func (s *Store) ActiveConversation() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexLocked(s.activeID)
	if s.activeID == "" || idx < 0 {
		return Conversation{}, false
	}
	return cloneConversation(s.conversations[idx]), true
}

// ActiveConversationID returns the active id, or "" when none is set.
func (s *Store) ActiveConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Conversation returns a copy of the conversation with id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return Conversation{}, false
	}
	return cloneConversation(s.conversations[idx]), true
}

// Conversations returns copies of all conversations, newest first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = cloneConversation(c)
	}
	return out
}

// IsLoading reports whether a response is pending.
func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Snapshot returns the persistable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Flush writes the current state to the snapshotter, if any.
func (s *Store) Flush(ctx context.Context) error {
	if s.snapshotter == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.snapshotter.Save(ctx, s.Snapshot())
}

// Close stops the background writer and flushes the final state. The store
// stays readable and writable in memory afterwards.
func (s *Store) Close(ctx context.Context) error {
	if s.snapshotter == nil {
		return nil
	}
	s.stop.Do(func() {
		close(s.quit)
		<-s.done
	})
	return s.Flush(ctx)
}

// TruncateTitle trims title to a single line of at most 48 runes.
func TruncateTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}

func (s *Store) insertLocked(c Conversation) {
	c = cloneConversation(c)
	s.conversations = append([]Conversation{c}, s.conversations...)
	s.activeID = c.ID
}

func (s *Store) indexLocked(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() Snapshot {
	convs := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		convs[i] = cloneConversation(c)
	}
	return Snapshot{
		Version:              snapshotVersion,
		Conversations:        convs,
		ActiveConversationID: s.activeID,
	}
}

// persistLocked asks the writer for a save without waiting for it. Requests
// made while a save is queued collapse into that save.
func (s *Store) persistLocked() {
	if s.pending == nil {
		return
	}
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// writer performs queued saves. Failures are logged and the in-memory state
// stays authoritative.
func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.pending:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.log.Warn("failed to persist conversations", zap.Error(err))
			}
			cancel()
		}
	}
}
