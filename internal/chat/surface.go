// Package chat orchestrates a question's round trip: it appends the user's
// message, asks the backend, and records either the answer or a readable
// failure in the transcript.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"rag-chat/internal/api"
	"rag-chat/internal/logger"
	"rag-chat/internal/metrics"
	"rag-chat/internal/rag"
	"rag-chat/internal/store"
)

// ErrBusy is returned by Submit while another question is awaiting its answer.
var ErrBusy = errors.New("a question is already being answered")

// Backend is the part of the RAG service the surface talks to.
type Backend interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
	Status(ctx context.Context) (*rag.StatusResponse, error)
	UploadFile(ctx context.Context, path string) (*rag.UploadResponse, error)
	UploadContent(ctx context.Context, filename string, content []byte) (*rag.UploadResponse, error)
}

var _ Backend = (*rag.Service)(nil)

// Listener is told about every change the view needs to render. Calls may
// arrive from background goroutines (upload timers, the folder watcher).
type Listener interface {
	MessageAppended(conversationID string, msg store.Message)
	LoadingChanged(loading bool)
	StatusChanged(status *rag.StatusResponse)
	UploadChanged(u UploadIndicator)
}

// Surface is the chat state machine. One question may be in flight at a time.
type Surface struct {
	store    *store.Store
	backend  Backend
	listener Listener
	log      *zap.Logger
	metrics  *metrics.Metrics
	topK     int
	slot     *semaphore.Weighted
	now      func() time.Time

	successDelay time.Duration
	errorDelay   time.Duration

	mu        sync.Mutex
	status    *rag.StatusResponse
	upload    UploadIndicator
	uploadGen uint64
	revert    *time.Timer
}

// Option configures a Surface.
type Option func(*Surface)

// WithListener registers the view.
func WithListener(l Listener) Option {
	return func(s *Surface) { s.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Surface) { s.log = logger.OrNop(l) }
}

// WithMetrics records query and upload outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Surface) { s.metrics = m }
}

// WithTopK sets how many sources each question asks for. Zero leaves the
// choice to the backend.
func WithTopK(k int) Option {
	return func(s *Surface) { s.topK = k }
}

// WithUploadDelays sets how long the upload indicator shows a result before
// returning to idle.
func WithUploadDelays(success, failure time.Duration) Option {
	return func(s *Surface) {
		s.successDelay = success
		s.errorDelay = failure
	}
}

// NewSurface creates a surface over st and backend.
func NewSurface(st *store.Store, backend Backend, opts ...Option) *Surface {
	s := &Surface{
		store:        st,
		backend:      backend,
		listener:     nopListener{},
		log:          zap.NewNop(),
		slot:         semaphore.NewWeighted(1),
		now:          time.Now,
		successDelay: 3 * time.Second,
		errorDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit sends text as a question and blocks until the answer or failure has
// been appended to the active conversation. Blank text is ignored. Backend
// failures become assistant messages, so the only errors returned are ErrBusy
// and the context's own error when it is cancelled.
func (s *Surface) Submit(ctx context.Context, text string) error {
	question := strings.TrimSpace(text)
	if question == "" {
		return nil
	}
	if !s.slot.TryAcquire(1) {
		return ErrBusy
	}
	defer s.slot.Release(1)

	convID := s.store.EnsureActiveConversation()
	s.appendMessage(convID, store.Message{Role: store.RoleUser, Content: question})
	s.retitle(convID, question)

	s.setLoading(true)
	defer s.setLoading(false)

	start := s.now()
	s.metrics.QueryStarted()
	resp, err := s.backend.Query(ctx, rag.QueryRequest{Question: question, TopK: s.topK})
	elapsed := s.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			s.metrics.QueryFinished("canceled", elapsed)
			s.log.Info("question canceled", zap.String("conversation_id", convID))
			return ctx.Err()
		}
		category := api.ClassifyError(err)
		s.metrics.QueryFinished(category.String(), elapsed)
		s.log.Warn("question failed",
			zap.String("conversation_id", convID),
			zap.String("category", category.String()),
			zap.Error(err),
		)
		s.appendMessage(convID, store.Message{Role: store.RoleAssistant, Content: category.Message()})
		return nil
	}

	s.metrics.QueryFinished("answered", elapsed)
	ms := resp.ProcessingTimeMs
	s.appendMessage(convID, store.Message{
		Role:             store.RoleAssistant,
		Content:          resp.Answer,
		Sources:          convertSources(resp.Sources),
		ProcessingTimeMs: &ms,
	})
	s.log.Debug("question answered",
		zap.String("conversation_id", convID),
		zap.Int("sources", len(resp.Sources)),
		zap.Float64("processing_time_ms", ms),
	)
	return nil
}

// Busy reports whether a question is in flight.
func (s *Surface) Busy() bool {
	return s.store.IsLoading()
}

// RefreshStatus fetches index statistics. A failure clears the status so the
// strip is not rendered; it is never reported as an error.
func (s *Surface) RefreshStatus(ctx context.Context) *rag.StatusResponse {
	status, err := s.backend.Status(ctx)
	if err != nil {
		s.log.Debug("status fetch failed", zap.Error(err))
		status = nil
	} else {
		s.metrics.SetIndexChunks(status.TotalChunks)
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	s.listener.StatusChanged(status)
	return status
}

// Status returns the last fetched status, or nil when none is available.
func (s *Surface) Status() *rag.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil
	}
	status := *s.status
	return &status
}

// Close stops any pending indicator timer.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revert != nil {
		s.revert.Stop()
		s.revert = nil
	}
}

func (s *Surface) setLoading(loading bool) {
	s.store.SetLoading(loading)
	s.listener.LoadingChanged(loading)
}

// appendMessage stamps msg and adds it to the conversation. A conversation
// deleted while its answer was pending drops the late message.
func (s *Surface) appendMessage(convID string, msg store.Message) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	if err := s.store.AddMessage(convID, msg); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			s.log.Debug("dropping message for removed conversation", zap.String("conversation_id", convID))
			return false
		}
		s.log.Warn("failed to append message", zap.String("conversation_id", convID), zap.Error(err))
		return false
	}
	s.listener.MessageAppended(convID, msg)
	return true
}

// retitle names an untitled conversation after its first question.
func (s *Surface) retitle(convID, question string) {
	conv, ok := s.store.Conversation(convID)
	if !ok || conv.Title != store.DefaultTitle {
		return
	}
	if err := s.store.RenameConversation(convID, question); err != nil {
		s.log.Debug("failed to retitle conversation", zap.Error(err))
	}
}

func convertSources(in []rag.Source) []store.Source {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Source, len(in))
	for i, src := range in {
		out[i] = store.Source{
			Text:            src.Text,
			Filename:        src.Filename,
			ChunkIndex:      src.ChunkIndex,
			SimilarityScore: src.SimilarityScore,
		}
	}
	return out
}

type nopListener struct{}

func (nopListener) MessageAppended(string, store.Message) {}
func (nopListener) LoadingChanged(bool) {}
func (nopListener) StatusChanged(*rag.StatusResponse) {}
func (nopListener) UploadChanged(UploadIndicator) {}
