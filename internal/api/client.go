// Package api is the single outbound HTTP gateway to the RAG backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"rag-chat/internal/logger"
)

// Recorder receives one observation per completed HTTP call.
type Recorder interface {
	ObserveRequest(method, path string, status int, elapsed time.Duration)
}

// Client handles communication with the backend
type Client struct {
	baseURL        string
	httpClient     *http.Client
	timeout        time.Duration
	token          string
	onUnauthorized func()
	log            *zap.Logger
	recorder       Recorder
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUnauthorizedHandler registers fn to run on any 401 response, before
// the error reaches the caller.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = logger.OrNop(l) }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a gateway for baseURL. timeout is the default budget of
// every call; per-call budgets are enforced with contexts.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend address this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get issues a GET and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

// Put issues a PUT with a JSON body and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, out)
}

// Delete issues a DELETE and decodes the response into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, out)
}

// Upload streams content as a multipart file field. timeout overrides the
// default budget; large documents need far more than a query does.
func (c *Client) Upload(ctx context.Context, path, field, filename string, content io.Reader, timeout time.Duration, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreatePart(filePartHeader(field, filename))
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	if timeout <= 0 {
		timeout = c.timeout
	}
	err := c.do(ctx, http.MethodPost, path, timeout, pr, mw.FormDataContentType(), out)
	// Unblock the writer goroutine if the request ended before the body was drained.
	pr.CloseWithError(errors.New("request finished"))
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, c.timeout, reader, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body io.Reader, contentType string, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		apiErr := &Error{
			Method:   method,
			Path:     path,
			TimedOut: errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err),
			Canceled: errors.Is(err, context.Canceled),
			Err:      err,
		}
		c.observe(method, path, 0, elapsed)
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", elapsed),
			zap.Bool("timed_out", apiErr.TimedOut),
			zap.Error(err),
		)
		return apiErr
	}
	defer resp.Body.Close()

	c.observe(method, path, resp.StatusCode, elapsed)
	c.log.Debug("request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
	)

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
	}
	if resp.StatusCode >= 400 {
		return &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    readDetail(resp),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) observe(method, path string, status int, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveRequest(method, path, status, elapsed)
	}
}

// readDetail extracts the backend's error text. FastAPI uses "detail",
// other services use "error"; fall back to the status line.
func readDetail(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" && len(text) < 200 && !strings.HasPrefix(text, "{") {
		return text
	}
	return resp.Status
}

// documentTypes covers the formats the backend ingests; the mime package
// does not know all of them on every platform.
var documentTypes = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain; charset=utf-8",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func filePartHeader(field, filename string) textproto.MIMEHeader {
	quote := strings.NewReplacer("\\", "\\\\", `"`, "\\\"")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quote.Replace(field), quote.Replace(filepath.Base(filename))))
	ext := strings.ToLower(filepath.Ext(filename))
	ct := documentTypes[ext]
	if ct == "" {
		ct = mime.TypeByExtension(ext)
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	return h
}
