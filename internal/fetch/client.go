// Package fetch retrieves the public JSON feeds of the index product:
// per-chain price/composition, exchange price metadata, stats snapshot and
// revenue stats. Responses are cached for a short TTL and refetched with
// conditional requests.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/serpius-project/analytics/internal/cache"
	"github.com/serpius-project/analytics/internal/config"
)

const userAgent = "serpius-analytics/1.0"

// validator holds the conditional-request state for one URL: the last
// validators seen and the payload they validate. A 304 answer replays the
// stored payload.
type validator struct {
	etag         string
	lastModified string
	body         []byte
}

// Client fetches and caches the upstream JSON feeds.
type Client struct {
	cfg        config.Config
	httpClient *http.Client
	cache      *cache.Cache

	mu         sync.Mutex
	validators map[string]*validator
}

// NewClient creates a feed client backed by the shared TTL cache.
func NewClient(cfg config.Config, c *cache.Cache) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: newRetryClient(cfg.RequestTimeout),
		cache:      c,
		validators: make(map[string]*validator),
	}
}

// newRetryClient creates an HTTP client with retry capabilities
func newRetryClient(timeout time.Duration) *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return c.StandardClient()
}

// getJSON performs a conditional GET and decodes the (possibly replayed)
// payload into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	c.mu.Lock()
	v := c.validators[url]
	if v != nil {
		if v.etag != "" {
			req.Header.Set("If-None-Match", v.etag)
		}
		if v.lastModified != "" {
			req.Header.Set("If-Modified-Since", v.lastModified)
		}
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && v != nil:
		logrus.Debugf("Feed not modified, replaying cached payload: %s", url)
		return json.NewDecoder(bytes.NewReader(v.body)).Decode(out)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.mu.Lock()
	c.validators[url] = &validator{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		body:         body,
	}
	c.mu.Unlock()

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// cachedJSON serves a decoded payload from the TTL cache, fetching and
// decoding it via fn on a miss. When the refetch fails and a stale entry
// still exists, the stale value is served instead of the error.
func cachedJSON[T any](ctx context.Context, c *Client, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if hit, ok := c.cache.Get(key, ttl); ok {
		return hit.(T), nil
	}
	value, err := fn(ctx)
	if err != nil {
		if entry, ok := c.cache.Peek(key); ok {
			logrus.Warnf("Refetch of %s failed, serving stale data: %v", key, err)
			return entry.Value.(T), nil
		}
		var zero T
		return zero, err
	}
	c.cache.Set(key, value)
	return value, nil
}
