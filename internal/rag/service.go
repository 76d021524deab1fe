// Package rag wraps the backend's question, upload and status endpoints.
package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rag-chat/internal/api"
)

var (
	// ErrUnsupportedFormat is returned before any network call for files the
	// backend would reject by extension.
	ErrUnsupportedFormat = errors.New("unsupported file type")
	// ErrFileTooLarge is returned for files over the upload limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("file is empty")
)

// Gateway is the subset of api.Client the service needs.
type Gateway interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string, out any) error
	Upload(ctx context.Context, path, field, filename string, content io.Reader, timeout time.Duration, out any) error
}

// Limits are checked locally before a document is sent.
type Limits struct {
	MaxBytes         int64
	SupportedFormats []string
}

// Service is the RAG backend client.
type Service struct {
	gw            Gateway
	uploadTimeout time.Duration
	limits        Limits
}

// NewService creates a service on top of gw. Uploads use uploadTimeout
// instead of the gateway default.
func NewService(gw Gateway, uploadTimeout time.Duration, limits Limits) *Service {
	return &Service{gw: gw, uploadTimeout: uploadTimeout, limits: limits}
}

var _ Gateway = (*api.Client)(nil)

// Query asks the backend a question.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var resp QueryResponse
	if err := s.gw.Post(ctx, "/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches index statistics.
func (s *Service) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := s.gw.Get(ctx, "/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadFile validates and uploads the document at path.
func (s *Service) UploadFile(ctx context.Context, path string) (*UploadResponse, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if err := s.Validate(filepath.Base(path), info.Size()); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()

	return s.upload(ctx, filepath.Base(path), f)
}

// UploadContent uploads in-memory content under filename.
func (s *Service) UploadContent(ctx context.Context, filename string, content []byte) (*UploadResponse, error) {
	if err := s.Validate(filename, int64(len(content))); err != nil {
		return nil, err
	}
	return s.upload(ctx, filename, bytes.NewReader(content))
}

// Validate applies the local extension and size rules.
func (s *Service) Validate(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(s.limits.SupportedFormats) > 0 && !contains(s.limits.SupportedFormats, ext) {
		if ext == "" {
			ext = "(none)"
		}
		return fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedFormat, ext, strings.Join(s.limits.SupportedFormats, ", "))
	}
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, filename)
	}
	if s.limits.MaxBytes > 0 && size > s.limits.MaxBytes {
		return fmt.Errorf("%w: %s is %d MB, max %d MB", ErrFileTooLarge, filename, size>>20, s.limits.MaxBytes>>20)
	}
	return nil
}

func (s *Service) upload(ctx context.Context, filename string, r io.Reader) (*UploadResponse, error) {
	var resp UploadResponse
	if err := s.gw.Upload(ctx, "/upload", "file", filename, r, s.uploadTimeout, &resp); err != nil {
		return nil, err
	}
	if resp.Filename == "" {
		resp.Filename = filename
	}
	return &resp, nil
}

// Reset clears the backend index.
func (s *Service) Reset(ctx context.Context) (*MaintenanceResponse, error) {
	var resp MaintenanceResponse
	if err := s.gw.Delete(ctx, "/reset", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Save asks the backend to persist its index.
func (s *Service) Save(ctx context.Context) (*MaintenanceResponse, error) {
	var resp MaintenanceResponse
	if err := s.gw.Post(ctx, "/save", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Load asks the backend to reload its persisted index.
func (s *Service) Load(ctx context.Context) (*MaintenanceResponse, error) {
	var resp MaintenanceResponse
	if err := s.gw.Post(ctx, "/load", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
