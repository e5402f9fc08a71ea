// ABOUTME: Web search capability backed by the Google Custom Search JSON API
// ABOUTME: Returns result titles, links and snippets parsed with gjson

package websearch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Result is one search hit.
type Result struct {
	Title   string
	Link    string
	Snippet string
}

// Searcher runs a web query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Client implements Searcher over HTTP.
type Client struct {
	apiKey   string
	engineID string
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a search client.
func NewClient(apiKey, engineID, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:   apiKey,
		engineID: engineID,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "websearch"),
	}
}

// Search implements Searcher. A non-2xx response is an error.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("cx", c.engineID)
	q.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "error.message").String()
		return nil, fmt.Errorf("search provider returned %d: %s", resp.StatusCode, msg)
	}

	var results []Result
	gjson.GetBytes(body, "items").ForEach(func(_, item gjson.Result) bool {
		results = append(results, Result{
			Title:   item.Get("title").String(),
			Link:    item.Get("link").String(),
			Snippet: strings.TrimSpace(item.Get("snippet").String()),
		})
		return true
	})

	c.logger.Debug("search completed", "results", len(results))
	return results, nil
}

var _ Searcher = (*Client)(nil)
