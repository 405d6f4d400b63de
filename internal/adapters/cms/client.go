package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hospitaletl/internal/core/domain"
)

// ClientConfig configures the catalog client.
type ClientConfig struct {
	// URL of the metastore dataset listing.
	URL string
	// Keyword selects datasets whose title or any theme contains it (case-insensitive).
	// Empty keeps every dataset.
	Keyword    string
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	// RequestsPerSecond throttles listing requests with a burst of one; 0 disables it.
	RequestsPerSecond float64
	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// Client implements ports.Catalog against the CMS provider-data metastore API.
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a catalog client, filling in defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hospital-etl/1.0"
	}
	c := &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		c.rateLimiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// item mirrors the fields we read from a metastore dataset entry.
type item struct {
	Identifier   string         `json:"identifier"`
	Title        string         `json:"title"`
	Modified     string         `json:"modified"`
	Theme        []string       `json:"theme"`
	Distribution []distribution `json:"distribution"`
}

type distribution struct {
	DownloadURL string `json:"downloadURL"`
	MediaType   string `json:"mediaType"`
}

// statusError is a non-2xx catalog response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog returned status %d: %s", e.code, e.body)
}

// ListDatasets fetches the metastore listing and returns the matching descriptors.
// Entries without an identifier or a download URL are dropped.
func (c *Client) ListDatasets(ctx context.Context) ([]domain.DatasetDescriptor, error) {
	body, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var items []item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to parse catalog response: %w", err)
	}

	keyword := strings.ToLower(strings.TrimSpace(c.config.Keyword))
	out := make([]domain.DatasetDescriptor, 0, len(items))
	for _, it := range items {
		if it.Identifier == "" || len(it.Distribution) == 0 || it.Distribution[0].DownloadURL == "" {
			continue
		}
		if keyword != "" && !matches(it, keyword) {
			continue
		}
		out = append(out, domain.DatasetDescriptor{
			ID:          it.Identifier,
			Title:       it.Title,
			DownloadURL: it.Distribution[0].DownloadURL,
			Fingerprint: strings.TrimSpace(it.Modified),
			Themes:      it.Theme,
			MediaType:   it.Distribution[0].MediaType,
		})
	}
	return out, nil
}

func matches(it item, keyword string) bool {
	if strings.Contains(strings.ToLower(it.Title), keyword) {
		return true
	}
	for _, theme := range it.Theme {
		if strings.Contains(strings.ToLower(theme), keyword) {
			return true
		}
	}
	return false
}

// fetch executes the listing request with rate limiting and retry.
func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		body, err := c.doOnce(ctx)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if attempt == c.config.MaxRetries {
			break
		}

		// Exponential backoff
		backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &statusError{code: resp.StatusCode, body: snippet}
	}
	return body, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Transport-level failures (connection refused, timeouts) are retried.
	return true
}
