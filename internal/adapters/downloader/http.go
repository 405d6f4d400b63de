package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"hospitaletl/internal/core/ports"
)

// HTTPDownloader implements ports.Downloader using standard HTTP.
type HTTPDownloader struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// Option configures an HTTPDownloader.
type Option func(*HTTPDownloader)

// WithClient replaces the underlying HTTP client.
func WithClient(c *http.Client) Option {
	return func(d *HTTPDownloader) { d.client = c }
}

// WithRateLimit caps outbound requests per second shared by all workers.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *HTTPDownloader) {
		if rps <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *HTTPDownloader) { d.userAgent = ua }
}

// NewHTTPDownloader creates a new HTTPDownloader.
// Per-request deadlines come from the caller's context.
func NewHTTPDownloader(opts ...Option) *HTTPDownloader {
	d := &HTTPDownloader{
		client: &http.Client{
			Timeout: 30 * time.Minute, // Some CMS tables are large
		},
		userAgent: "hospital-etl/1.0",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download opens the dataset at the given URL.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (*ports.Download, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/csv, application/octet-stream;q=0.9, */*;q=0.5")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return &ports.Download{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
