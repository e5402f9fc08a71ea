// ABOUTME: Weather lookup capability backed by the OpenWeatherMap current-weather API
// ABOUTME: Returns the provider status code with condition and temperature; transport failures are errors

package weather

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Report is the outcome of one lookup. A non-2xx StatusCode or a missing
// description means the provider was reachable but had no usable data.
type Report struct {
	StatusCode  int
	Location    string
	Description string
	TempC       float64
}

// OK reports whether the lookup returned usable data.
func (r *Report) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && r.Description != ""
}

// Lookup fetches current weather for a place name.
type Lookup interface {
	Current(ctx context.Context, location string) (*Report, error)
}

// Client implements Lookup over HTTP.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a weather client.
func NewClient(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "weather"),
	}
}

// Current implements Lookup.
func (c *Client) Current(ctx context.Context, location string) (*Report, error) {
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building weather request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting weather: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading weather response: %w", err)
	}

	report := &Report{StatusCode: resp.StatusCode, Location: location}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("weather lookup rejected", "location", location, "status", resp.StatusCode)
		return report, nil
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("weather response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if name := doc.Get("name").String(); name != "" {
		report.Location = name
	}
	report.Description = doc.Get("weather.0.description").String()
	if temp := doc.Get("main.temp"); temp.Exists() {
		report.TempC = temp.Float()
	} else {
		report.Description = ""
	}
	return report, nil
}

var _ Lookup = (*Client)(nil)
