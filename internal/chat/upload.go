package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"rag-chat/internal/api"
	"rag-chat/internal/rag"
	"rag-chat/internal/store"
)

// UploadState is the upload indicator's state.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadInProgress
	UploadSucceeded
	UploadFailed
)

func (u UploadState) String() string {
	switch u {
	case UploadInProgress:
		return "uploading"
	case UploadSucceeded:
		return "success"
	case UploadFailed:
		return "error"
	default:
		return "idle"
	}
}

// UploadIndicator is what the upload control shows.
type UploadIndicator struct {
	State    UploadState
	Filename string
	Detail   string
}

// UploadFile uploads the document at path. The outcome is shown on the
// upload indicator, never in the transcript; the returned error is for
// logging by background callers.
func (s *Surface) UploadFile(ctx context.Context, path string) (*rag.UploadResponse, error) {
	return s.runUpload(ctx, filepath.Base(path), func() (*rag.UploadResponse, error) {
		return s.backend.UploadFile(ctx, path)
	})
}

// UploadContent uploads in-memory content as filename.
func (s *Surface) UploadContent(ctx context.Context, filename string, content []byte) (*rag.UploadResponse, error) {
	return s.runUpload(ctx, filename, func() (*rag.UploadResponse, error) {
		return s.backend.UploadContent(ctx, filename, content)
	})
}

// Upload returns the current indicator.
func (s *Surface) Upload() UploadIndicator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upload
}

func (s *Surface) runUpload(ctx context.Context, filename string, send func() (*rag.UploadResponse, error)) (*rag.UploadResponse, error) {
	gen := s.setUpload(UploadIndicator{State: UploadInProgress, Filename: filename})

	resp, err := send()
	if err != nil {
		outcome := "error"
		if isLocalRejection(err) {
			outcome = "rejected"
		}
		s.metrics.ObserveUpload(outcome)
		s.log.Warn("upload failed", zap.String("filename", filename), zap.Error(err))
		s.finishUpload(gen, UploadIndicator{State: UploadFailed, Filename: filename, Detail: uploadErrorDetail(err)}, s.errorDelay)
		return nil, err
	}

	s.metrics.ObserveUpload("success")
	s.log.Info("document uploaded",
		zap.String("filename", resp.Filename),
		zap.Int("chunks_added", resp.ChunksAdded),
		zap.Int("total_chunks", resp.TotalChunks),
	)
	s.finishUpload(gen, UploadIndicator{
		State:    UploadSucceeded,
		Filename: resp.Filename,
		Detail:   fmt.Sprintf("%d chunks added", resp.ChunksAdded),
	}, s.successDelay)

	s.RefreshStatus(ctx)

	convID := s.store.EnsureActiveConversation()
	s.appendMessage(convID, store.Message{
		Role:    store.RoleAssistant,
		Content: UploadAnnouncement(resp),
	})
	return resp, nil
}

// UploadAnnouncement is the transcript message for a successful upload.
func UploadAnnouncement(resp *rag.UploadResponse) string {
	msg := fmt.Sprintf("**%s** uploaded: %d chunks added", resp.Filename, resp.ChunksAdded)
	if resp.TotalChunks > 0 {
		msg += fmt.Sprintf(" (%d total)", resp.TotalChunks)
	}
	return msg + ". You can ask questions about it now."
}

// setUpload installs u as a new upload and returns its generation.
func (s *Surface) setUpload(u UploadIndicator) uint64 {
	s.mu.Lock()
	s.uploadGen++
	gen := s.uploadGen
	s.upload = u
	if s.revert != nil {
		s.revert.Stop()
		s.revert = nil
	}
	s.mu.Unlock()

	s.listener.UploadChanged(u)
	return gen
}

// finishUpload shows the result of upload gen, unless a newer upload has
// started, and schedules the revert to idle.
func (s *Surface) finishUpload(gen uint64, u UploadIndicator, delay time.Duration) {
	s.mu.Lock()
	if gen != s.uploadGen {
		s.mu.Unlock()
		return
	}
	s.upload = u
	if s.revert != nil {
		s.revert.Stop()
	}
	s.revert = time.AfterFunc(delay, func() { s.revertUpload(gen) })
	s.mu.Unlock()

	s.listener.UploadChanged(u)
}

func (s *Surface) revertUpload(gen uint64) {
	s.mu.Lock()
	if gen != s.uploadGen {
		s.mu.Unlock()
		return
	}
	s.upload = UploadIndicator{State: UploadIdle}
	s.revert = nil
	s.mu.Unlock()

	s.listener.UploadChanged(UploadIndicator{State: UploadIdle})
}

func isLocalRejection(err error) bool {
	return errors.Is(err, rag.ErrUnsupportedFormat) ||
		errors.Is(err, rag.ErrFileTooLarge) ||
		errors.Is(err, rag.ErrEmptyFile)
}

// uploadErrorDetail picks the text for the indicator: local rejections and
// backend 4xx details are specific enough to show as is.
func uploadErrorDetail(err error) string {
	if isLocalRejection(err) {
		return err.Error()
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.Message != "" {
		return apiErr.Message
	}
	if api.ClassifyError(err) == api.CategoryUnknown {
		return err.Error()
	}
	return api.ClassifyError(err).Message()
}
