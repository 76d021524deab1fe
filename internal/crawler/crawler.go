// Package crawler fetches web pages and turns them into plain-text documents
// that can be uploaded to the index.
package crawler

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rag-chat/internal/logger"
)

// CrawlResult represents the result of crawling a single URL
type CrawlResult struct {
	URL      string
	Title    string
	Content  string
	Error    error
	Duration time.Duration
}

// Crawler handles web page crawling
type Crawler struct {
	httpClient *http.Client
	maxSize    int64
	userAgent  string
	maxWorkers int
	maxWords   int
	log        *zap.Logger
}

// NewCrawler creates a new crawler instance. Extracted text is not truncated;
// see SetMaxWords.
func NewCrawler(timeout time.Duration, maxWorkers int, maxSize int64, userAgent string, log *zap.Logger) *Crawler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Crawler{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Allow up to 10 redirects
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		maxSize:    maxSize,
		userAgent:  userAgent,
		maxWorkers: maxWorkers,
		log:        logger.OrNop(log),
	}
}

// SetMaxWords caps the words kept per page. Zero keeps everything.
func (c *Crawler) SetMaxWords(n int) {
	c.maxWords = n
}

// CrawlURLs crawls urls in parallel. Results are in the order of urls.
func (c *Crawler) CrawlURLs(ctx context.Context, urls []string) []CrawlResult {
	results := make([]CrawlResult, len(urls))
	if len(urls) == 0 {
		return results
	}

	jobs := make(chan int, len(urls))

	// Determine number of workers (don't exceed number of URLs)
	numWorkers := c.maxWorkers
	if len(urls) < numWorkers {
		numWorkers = len(urls)
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = c.crawlSingle(ctx, urls[idx])
			}
		}()
	}

	for i := range urls {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// crawlSingle crawls a single URL and returns the result
func (c *Crawler) crawlSingle(ctx context.Context, urlStr string) CrawlResult {
	start := time.Now()
	result := CrawlResult{URL: urlStr}
	fail := func(err error) CrawlResult {
		result.Error = err
		result.Duration = time.Since(start)
		c.log.Debug("crawl failed", zap.String("url", urlStr), zap.Error(err))
		return result
	}

	if err := validateURL(urlStr); err != nil {
		return fail(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	mediaType := "text/html"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, _ = mime.ParseMediaType(ct)
	}
	if mediaType != "text/html" && mediaType != "application/xhtml+xml" && mediaType != "text/plain" {
		return fail(fmt.Errorf("unsupported content type: %s", mediaType))
	}

	body, err := ReadLimitedBody(resp.Body, c.maxSize)
	if err != nil {
		return fail(fmt.Errorf("failed to read body: %w", err))
	}

	if mediaType == "text/plain" {
		result.Content = truncateWords(strings.TrimSpace(string(body)), c.maxWords)
	} else {
		title, text, err := ExtractText(body, c.maxWords)
		if err != nil {
			return fail(fmt.Errorf("failed to extract text: %w", err))
		}
		result.Title = title
		result.Content = text
	}
	if result.Content == "" {
		return fail(fmt.Errorf("no readable text"))
	}

	result.Duration = time.Since(start)
	c.log.Debug("crawled page",
		zap.String("url", urlStr),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", result.Duration),
	)
	return result
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}
