// Package searxng finds web pages for a query through a SearXNG instance so
// they can be fetched into the index.
package searxng

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"rag-chat/internal/logger"
)

// Result is one search hit. Score is SearXNG's merged ranking across
// engines; Engines lists which of them returned the page.
type Result struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Content string   `json:"content"`
	Engines []string `json:"engines"`
	Score   float64  `json:"score"`
}

// fetchable reports whether the crawler can download the result.
func (r Result) fetchable() bool {
	return strings.HasPrefix(r.URL, "http://") || strings.HasPrefix(r.URL, "https://")
}

type response struct {
	Results             []Result   `json:"results"`
	UnresponsiveEngines [][]string `json:"unresponsive_engines"`
}

// Client handles communication with SearXNG
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	log        *zap.Logger
}

// NewClient creates a new SearXNG client
func NewClient(baseURL string, timeout time.Duration, userAgent string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
		log:       logger.OrNop(log),
	}
}

// Search returns the top maxResults results, best first. Results without an
// http(s) URL and repeated URLs are dropped.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("format", "json")
	fullURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("SearXNG returned 403 Forbidden. JSON API may not be enabled. Check settings.yml for 'formats: [html, json]'")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("SearXNG returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	if len(body.UnresponsiveEngines) > 0 {
		c.log.Debug("some search engines did not answer", zap.Any("engines", body.UnresponsiveEngines))
	}

	// Sort by score (highest first)
	sort.SliceStable(body.Results, func(i, j int) bool {
		return body.Results[i].Score > body.Results[j].Score
	})

	seen := make(map[string]bool)
	results := make([]Result, 0, maxResults)
	for _, r := range body.Results {
		if len(results) == maxResults {
			break
		}
		if seen[r.URL] || !r.fetchable() {
			continue
		}
		seen[r.URL] = true
		results = append(results, r)
	}

	c.log.Debug("search completed",
		zap.String("query", query),
		zap.Int("results", len(body.Results)),
		zap.Int("kept", len(results)),
	)
	return results, nil
}

// URLs returns the addresses of results in order.
func URLs(results []Result) []string {
	urls := make([]string, len(results))
	for i, r := range results {
		urls[i] = r.URL
	}
	return urls
}
