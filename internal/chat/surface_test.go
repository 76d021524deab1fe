package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rag-chat/internal/api"
	"rag-chat/internal/rag"
	"rag-chat/internal/store"
)

type recordingListener struct {
	mu       sync.Mutex
	messages []store.Message
	loading  []bool
	statuses []*rag.StatusResponse
	uploads  []UploadIndicator
}

func (l *recordingListener) MessageAppended(_ string, msg store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingListener) LoadingChanged(loading bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading = append(l.loading, loading)
}

func (l *recordingListener) StatusChanged(status *rag.StatusResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) UploadChanged(u UploadIndicator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uploads = append(l.uploads, u)
}

func (l *recordingListener) uploadStates() []UploadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UploadState, len(l.uploads))
	for i, u := range l.uploads {
		out[i] = u.State
	}
	return out
}

// newBackend serves the query, upload and status endpoints with the given
// handlers; nil handlers answer 404.
func newBackend(t *testing.T, query, upload, status http.HandlerFunc) *rag.Service {
	t.Helper()
	mux := http.NewServeMux()
	for path, h := range map[string]http.HandlerFunc{"/query": query, "/upload": upload, "/status": status} {
		if h != nil {
			mux.HandleFunc(path, h)
		}
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := api.NewClient(srv.URL, time.Second)
	return rag.NewService(client, 5*time.Second, rag.Limits{
		MaxBytes:         50 << 20,
		SupportedFormats: []string{".pdf", ".docx", ".xlsx", ".txt"},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestSubmitAnswersInNewConversation(t *testing.T) {
	var (
		mu                 sync.Mutex
		asked              rag.QueryRequest
		loadingDuringQuery bool
	)
	st := store.New()

	svc := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&asked)
		loadingDuringQuery = st.IsLoading()

		// The user's message is already in the store while the backend works.
		conv, ok := st.ActiveConversation()
		if !ok || len(conv.Messages) != 1 || conv.Messages[0].Role != store.RoleUser {
			t.Errorf("store before answer: %+v", conv)
		}
		writeJSON(w, map[string]any{
			"question": asked.Question,
			"answer":   "Three listings found.",
			"sources": []map[string]any{
				{"text": "...", "filename": "listing1.pdf", "chunk_index": 0, "similarity_score": 0.92},
			},
			"processing_time_ms": 450,
		})
	}, nil, nil)

	listener := &recordingListener{}
	surface := NewSurface(st, svc, WithListener(listener), WithTopK(10))

	if err := surface.Submit(context.Background(), "  What properties are available?  "); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if asked.Question != "What properties are available?" || asked.TopK != 10 {
		t.Fatalf("backend received %+v", asked)
	}
	if !loadingDuringQuery {
		t.Fatal("loading flag not set while waiting")
	}
	if st.IsLoading() {
		t.Fatal("loading flag left set")
	}

	convs := st.Conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	conv, _ := st.ActiveConversation()
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	user, answer := conv.Messages[0], conv.Messages[1]
	if user.Role != store.RoleUser || user.Content != "What properties are available?" {
		t.Fatalf("user message = %+v", user)
	}
	if answer.Role != store.RoleAssistant || answer.Content != "Three listings found." {
		t.Fatalf("assistant message = %+v", answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].Filename != "listing1.pdf" || answer.Sources[0].SimilarityScore != 0.92 {
		t.Fatalf("sources = %+v", answer.Sources)
	}
	if answer.ProcessingTimeMs == nil || *answer.ProcessingTimeMs != 450 {
		t.Fatalf("processing time = %v", answer.ProcessingTimeMs)
	}
	if conv.Title != "What properties are available?" {
		t.Fatalf("title = %q", conv.Title)
	}

	if len(listener.messages) != 2 {
		t.Fatalf("listener saw %d messages", len(listener.messages))
	}
	if strings.Join(boolStrings(listener.loading), ",") != "true,false" {
		t.Fatalf("loading transitions = %v", listener.loading)
	}
}

func boolStrings(in []bool) []string {
	out := make([]string, len(in))
	for i, b := range in {
		if b {
			out[i] = "true"
		} else {
			out[i] = "false"
		}
	}
	return out
}

func TestSubmitWhitespaceIsNoop(t *testing.T) {
	var called atomic.Bool
	svc := newBackend(t, func(w http.ResponseWriter, r *http.Request) { called.Store(true) }, nil, nil)
	st := store.New()
	listener := &recordingListener{}
	surface := NewSurface(st, svc, WithListener(listener))

	for _, text := range []string{"", "   ", "\n\t "} {
		if err := surface.Submit(context.Background(), text); err != nil {
			t.Fatalf("submit %q: %v", text, err)
		}
	}
	if called.Load() {
		t.Fatal("backend was called")
	}
	if len(st.Conversations()) != 0 || st.ActiveConversationID() != "" {
		t.Fatal("conversation created for blank input")
	}
	if len(listener.loading) != 0 || st.IsLoading() {
		t.Fatal("loading flag touched")
	}
}

func TestSubmitUsesActiveConversation(t *testing.T) {
	svc := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"answer": "ok", "sources": []any{}})
	}, nil, nil)
	st := store.New()
	existing := st.NewConversation("Pricing")
	st.CreateConversation(existing)

	surface := NewSurface(st, svc)
	surface.Submit(context.Background(), "first")
	surface.Submit(context.Background(), "second")

	if len(st.Conversations()) != 1 {
		t.Fatalf("conversations = %d", len(st.Conversations()))
	}
	conv, _ := st.Conversation(existing.ID)
	if len(conv.Messages) != 4 || conv.Title != "Pricing" {
		t.Fatalf("conversation = %+v", conv)
	}
	want := []string{"first", "ok", "second", "ok"}
	for i, m := range conv.Messages {
		if m.Content != want[i] {
			t.Fatalf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestSubmitFailureBecomesMessage(t *testing.T) {
	cases := []struct {
		status int
		want   api.Category
	}{
		{http.StatusServiceUnavailable, api.CategoryUnavailable},
		{http.StatusInternalServerError, api.CategoryServer},
		{http.StatusTooManyRequests, api.CategoryRateLimited},
		{http.StatusBadRequest, api.CategoryClient},
	}
	for _, tc := range cases {
		svc := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"detail":"Error processing query: boom"}`))
		}, nil, nil)
		st := store.New()
		surface := NewSurface(st, svc)

		if err := surface.Submit(context.Background(), "hello"); err != nil {
			t.Fatalf("%d: failure escaped to caller: %v", tc.status, err)
		}
		conv, _ := st.ActiveConversation()
		if len(conv.Messages) != 2 {
			t.Fatalf("%d: messages = %d", tc.status, len(conv.Messages))
		}
		got := conv.Messages[1]
		if got.Role != store.RoleAssistant || got.Content != tc.want.Message() {
			t.Fatalf("%d: assistant message = %q, want %q", tc.status, got.Content, tc.want.Message())
		}
		if strings.Contains(got.Content, "boom") {
			t.Fatalf("%d: raw detail leaked into transcript", tc.status)
		}
		if st.IsLoading() {
			t.Fatalf("%d: loading flag left set", tc.status)
		}
	}
}

func TestSubmitNetworkDrop(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := rag.NewService(api.NewClient(url, time.Second), time.Second, rag.Limits{})
	st := store.New()
	NewSurface(st, svc).Submit(context.Background(), "anyone there?")

	conv, _ := st.ActiveConversation()
	if len(conv.Messages) != 2 || conv.Messages[1].Content != api.CategoryNetwork.Message() {
		t.Fatalf("messages = %+v", conv.Messages)
	}
}

// blockingBackend holds Query until release is closed.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error) {
	close(b.started)
	select {
	case <-b.release:
		return &rag.QueryResponse{Answer: "done"}, nil
	case <-ctx.Done():
		return nil, &api.Error{Method: "POST", Path: "/query", Canceled: true, Err: ctx.Err()}
	}
}

func (b *blockingBackend) Status(context.Context) (*rag.StatusResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingBackend) UploadFile(context.Context, string) (*rag.UploadResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingBackend) UploadContent(context.Context, string, []byte) (*rag.UploadResponse, error) {
	return nil, errors.New("not implemented")
}

func TestSubmitRejectsWhileBusy(t *testing.T) {
	backend := &blockingBackend{started: make(chan struct{}), release: make(chan struct{})}
	st := store.New()
	surface := NewSurface(st, backend)

	done := make(chan error, 1)
	go func() { done <- surface.Submit(context.Background(), "first") }()
	<-backend.started

	if !surface.Busy() {
		t.Fatal("surface not busy during a question")
	}
	if err := surface.Submit(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(backend.release)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}

	conv, _ := st.ActiveConversation()
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "first" || conv.Messages[1].Content != "done" {
		t.Fatalf("rejected question changed the transcript: %+v", conv.Messages)
	}
}

func TestSubmitCanceledIsNotAppended(t *testing.T) {
	backend := &blockingBackend{started: make(chan struct{}), release: make(chan struct{})}
	st := store.New()
	surface := NewSurface(st, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- surface.Submit(ctx, "never mind") }()
	<-backend.started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	conv, _ := st.ActiveConversation()
	if len(conv.Messages) != 1 {
		t.Fatalf("messages = %d, want only the question", len(conv.Messages))
	}
	if st.IsLoading() {
		t.Fatal("loading flag left set")
	}
}

func TestSubmitAnswerForDeletedConversationIsDropped(t *testing.T) {
	backend := &blockingBackend{started: make(chan struct{}), release: make(chan struct{})}
	st := store.New()
	surface := NewSurface(st, backend)

	done := make(chan error, 1)
	go func() { done <- surface.Submit(context.Background(), "question") }()
	<-backend.started
	st.DeleteConversation(st.ActiveConversationID())
	close(backend.release)

	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(st.Conversations()) != 0 {
		t.Fatal("late answer resurrected a conversation")
	}
}

func TestRefreshStatus(t *testing.T) {
	healthy := newBackend(t, nil, nil, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "running", "total_documents": 3, "total_chunks": 42})
	})
	surface := NewSurface(store.New(), healthy)
	if s := surface.RefreshStatus(context.Background()); s == nil || s.TotalChunks != 42 {
		t.Fatalf("status = %+v", s)
	}
	if surface.Status().TotalDocuments != 3 {
		t.Fatalf("cached status = %+v", surface.Status())
	}

	broken := newBackend(t, nil, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	listener := &recordingListener{}
	surface = NewSurface(store.New(), broken, WithListener(listener))
	if s := surface.RefreshStatus(context.Background()); s != nil {
		t.Fatalf("failed fetch returned %+v", s)
	}
	if surface.Status() != nil {
		t.Fatal("status kept after failure")
	}
	if len(listener.statuses) != 1 || listener.statuses[0] != nil {
		t.Fatalf("listener statuses = %v", listener.statuses)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUploadAnnouncesDocumentAndRefreshesStatus(t *testing.T) {
	var uploaded atomic.Bool
	svc := newBackend(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			_, header, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			uploaded.Store(true)
			writeJSON(w, map[string]any{
				"status":             "success",
				"message":            "Document uploaded and processed successfully",
				"document_id":        "doc-1",
				"filename":           header.Filename,
				"file_info":          map[string]any{"size": 2048},
				"chunks_added":       12,
				"total_chunks":       340,
				"processing_time_ms": 1200,
			})
		},
		func(w http.ResponseWriter, r *http.Request) {
			total := 328
			if uploaded.Load() {
				total = 340
			}
			writeJSON(w, map[string]any{"status": "running", "total_documents": 9, "total_chunks": total})
		},
	)

	path := filepath.Join(t.TempDir(), "brochure.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 brochure"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	st := store.New()
	listener := &recordingListener{}
	surface := NewSurface(st, svc, WithListener(listener), WithUploadDelays(20*time.Millisecond, 20*time.Millisecond))
	defer surface.Close()

	surface.RefreshStatus(context.Background())
	if surface.Status().TotalChunks != 328 {
		t.Fatalf("initial status = %+v", surface.Status())
	}

	resp, err := surface.UploadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.ChunksAdded != 12 {
		t.Fatalf("response = %+v", resp)
	}
	if surface.Status().TotalChunks != 340 {
		t.Fatalf("status after upload = %+v", surface.Status())
	}

	conv, ok := st.ActiveConversation()
	if !ok || len(conv.Messages) != 1 {
		t.Fatalf("transcript = %+v", conv.Messages)
	}
	msg := conv.Messages[0]
	if msg.Role != store.RoleAssistant || !strings.Contains(msg.Content, "brochure.pdf") || !strings.Contains(msg.Content, "12") {
		t.Fatalf("announcement = %q", msg.Content)
	}

	waitFor(t, func() bool { return surface.Upload().State == UploadIdle })
	got := listener.uploadStates()
	want := []UploadState{UploadInProgress, UploadSucceeded, UploadIdle}
	if len(got) != len(want) {
		t.Fatalf("indicator states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("indicator states = %v, want %v", got, want)
		}
	}
}

func TestUploadFailureStaysOutOfTranscript(t *testing.T) {
	svc := newBackend(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"Failed to extract text from document"}`))
		}, nil)

	path := filepath.Join(t.TempDir(), "scan.pdf")
	os.WriteFile(path, []byte("%PDF"), 0o644)

	st := store.New()
	surface := NewSurface(st, svc, WithUploadDelays(time.Hour, 30*time.Millisecond))
	defer surface.Close()

	if _, err := surface.UploadFile(context.Background(), path); err == nil {
		t.Fatal("expected upload error")
	}
	u := surface.Upload()
	if u.State != UploadFailed || u.Detail != "Failed to extract text from document" || u.Filename != "scan.pdf" {
		t.Fatalf("indicator = %+v", u)
	}
	if len(st.Conversations()) != 0 {
		t.Fatal("upload failure reached the transcript")
	}
	waitFor(t, func() bool { return surface.Upload().State == UploadIdle })
}

func TestUploadRejectedLocally(t *testing.T) {
	var called atomic.Bool
	svc := newBackend(t, nil, func(w http.ResponseWriter, r *http.Request) { called.Store(true) }, nil)

	path := filepath.Join(t.TempDir(), "photo.png")
	os.WriteFile(path, []byte("png"), 0o644)

	surface := NewSurface(store.New(), svc)
	defer surface.Close()

	_, err := surface.UploadFile(context.Background(), path)
	if !errors.Is(err, rag.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if called.Load() {
		t.Fatal("rejected file was sent")
	}
	if u := surface.Upload(); u.State != UploadFailed || !strings.Contains(u.Detail, ".png") {
		t.Fatalf("indicator = %+v", u)
	}
}

func TestUploadContentUsesSameFlow(t *testing.T) {
	svc := newBackend(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			_, header, _ := r.FormFile("file")
			writeJSON(w, map[string]any{"filename": header.Filename, "chunks_added": 2, "total_chunks": 2})
		},
		func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"status": "running", "total_chunks": 2})
		})

	st := store.New()
	surface := NewSurface(st, svc)
	defer surface.Close()

	if _, err := surface.UploadContent(context.Background(), "example.com-pricing.txt", []byte("Plans start at $10.")); err != nil {
		t.Fatalf("upload content: %v", err)
	}
	conv, _ := st.ActiveConversation()
	if len(conv.Messages) != 1 || !strings.Contains(conv.Messages[0].Content, "example.com-pricing.txt") {
		t.Fatalf("transcript = %+v", conv.Messages)
	}
}

func TestUploadAnnouncement(t *testing.T) {
	got := UploadAnnouncement(&rag.UploadResponse{Filename: "brochure.pdf", ChunksAdded: 12, TotalChunks: 340})
	if !strings.Contains(got, "**brochure.pdf**") || !strings.Contains(got, "12 chunks") || !strings.Contains(got, "340 total") {
		t.Fatalf("announcement = %q", got)
	}
}
