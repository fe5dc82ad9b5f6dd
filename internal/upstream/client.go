// Package upstream implements the rate-limit-aware, caching client for the
// hosted forge API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forgesync/forgesync/internal/models"
)

const (
	defaultUserAgent = "forgesync/1.0"

	// maxResponseSize bounds a single upstream response body
	maxResponseSize = 20 * 1024 * 1024

	// defaultMaxRateLimitWait caps how long a call blocks waiting for the
	// rate limit window to reset before failing
	defaultMaxRateLimitWait = time.Hour

	// defaultMaxTries is the total attempt budget for transient failures
	defaultMaxTries = 3
)

// Page is one page of upstream resources plus pagination and quota state
type Page struct {
	Items      []models.UpstreamResource `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
	RateLimit  RateLimitSnapshot         `json:"-"`
}

// Client fetches resources from the upstream forge API
//
// Implementations own response caching, rate limit tracking, and
// retry/backoff; callers see only the final result or a classified error.
type Client interface {
	// FetchPage retrieves one page of resources of the given kind within
	// scope. An empty cursor requests the first page.
	FetchPage(ctx context.Context, kind models.ResourceKind, scope, cursor string) (*Page, error)

	// FetchOne retrieves a single resource by id
	FetchOne(ctx context.Context, kind models.ResourceKind, id string) (*models.UpstreamResource, error)

	// RateLimit returns the last observed rate limit state
	RateLimit() RateLimitSnapshot

	// Invalidate drops cached responses for a resource so the next fetch
	// hits the network
	Invalidate(kind models.ResourceKind, id string)
}

// ClientOption configures the client
type ClientOption func(*client)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) {
		c.httpClient = hc
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *client) {
		c.token = token
	}
}

// WithCache configures the response cache TTL and LRU capacity
func WithCache(ttl time.Duration, capacity int) ClientOption {
	return func(c *client) {
		c.cache = newTaggedCache(ttl, capacity)
	}
}

// WithRateLimitReserve sets the remaining-quota margin below which the
// client waits for reset instead of issuing calls
func WithRateLimitReserve(reserve int) ClientOption {
	return func(c *client) {
		c.reserve = reserve
	}
}

// WithMaxRateLimitWait caps the blocking wait for a rate limit reset
func WithMaxRateLimitWait(d time.Duration) ClientOption {
	return func(c *client) {
		c.maxRateLimitWait = d
	}
}

// WithMaxTries sets the total attempt budget for transient failures
func WithMaxTries(n int) ClientOption {
	return func(c *client) {
		c.maxTries = n
	}
}

// WithRetryInterval sets the initial backoff delay between attempts
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *client) {
		c.retryInterval = d
	}
}

type client struct {
	endpoint         string
	token            string
	httpClient       *http.Client
	cache            *taggedCache
	rate             *rateLimitState
	reserve          int
	maxRateLimitWait time.Duration
	maxTries         int
	retryInterval    time.Duration
}

// NewClient creates a client for the forge API at endpoint
func NewClient(endpoint string, opts ...ClientOption) Client {
	c := &client{
		endpoint:         endpoint,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		rate:             newRateLimitState(),
		reserve:          50,
		maxRateLimitWait: defaultMaxRateLimitWait,
		maxTries:         defaultMaxTries,
		retryInterval:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = newTaggedCache(5*time.Minute, 1000)
	}
	return c
}

// FetchPage retrieves one page of resources of the given kind within scope
func (c *client) FetchPage(ctx context.Context, kind models.ResourceKind, scope, cursor string) (*Page, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported resource kind %q", kind)
	}

	endpoint := fmt.Sprintf("%s/%ss", c.endpoint, kind)
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	requestURL := endpoint
	if len(q) > 0 {
		requestURL += "?" + q.Encode()
	}

	key := cacheKey(endpoint, scope, cursor)
	tag := fmt.Sprintf("%s/%s", kind, scope)

	now := time.Now()
	if data, ok := c.cache.get(key, now); ok {
		page, err := decodePage(data)
		if err == nil {
			page.RateLimit = c.rate.snapshot()
			return page, nil
		}
		// Corrupt cache entry; fall through to the network
		c.cache.invalidate(key)
	}

	body, err := c.getJSON(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	page, err := decodePage(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", kind, err)
	}

	c.cache.putTagged(tag, key, body, time.Now())
	page.RateLimit = c.rate.snapshot()
	return page, nil
}

// FetchOne retrieves a single resource by id
func (c *client) FetchOne(ctx context.Context, kind models.ResourceKind, id string) (*models.UpstreamResource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported resource kind %q", kind)
	}
	if id == "" {
		return nil, fmt.Errorf("resource id is required")
	}

	requestURL := fmt.Sprintf("%s/%ss/%s", c.endpoint, kind, url.PathEscape(id))
	key := cacheKey(requestURL)
	tag := fmt.Sprintf("%s/%s", kind, id)

	now := time.Now()
	if data, ok := c.cache.get(key, now); ok {
		res, err := decodeResource(data)
		if err == nil {
			return res, nil
		}
		c.cache.invalidate(key)
	}

	body, err := c.getJSON(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	res, err := decodeResource(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}

	c.cache.putTagged(tag, key, body, time.Now())
	return res, nil
}

// RateLimit returns the last observed rate limit state
func (c *client) RateLimit() RateLimitSnapshot {
	return c.rate.snapshot()
}

// Invalidate drops cached responses for a resource and its collection pages
func (c *client) Invalidate(kind models.ResourceKind, id string) {
	c.cache.invalidateTag(fmt.Sprintf("%s/%s", kind, id))
	c.cache.invalidateTag(string(kind))
}

// getJSON performs a GET with rate limit gating and transient-failure
// retries, returning the response body
func (c *client) getJSON(ctx context.Context, requestURL string) ([]byte, error) {
	if err := c.waitForRateBudget(ctx); err != nil {
		return nil, err
	}

	operation := func() ([]byte, error) {
		return c.doGet(ctx, requestURL)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryInterval
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.2

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.maxTries)),
	)
	if err != nil {
		var te *TransientUpstreamError
		if errors.As(err, &te) {
			return nil, err
		}
		var ae *AuthError
		if errors.As(err, &ae) {
			return nil, err
		}
		var he *HTTPError
		if errors.As(err, &he) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Network-level failure that exhausted retries
		return nil, &TransientUpstreamError{URL: requestURL, Err: err}
	}
	return body, nil
}

// doGet performs a single request attempt and classifies the outcome
func (c *client) doGet(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.rate.consume()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Retryable network failure
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("Failed to close response body", "url", requestURL, "error", closeErr)
		}
	}()

	c.rate.update(resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return body, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(&AuthError{StatusCode: resp.StatusCode, URL: requestURL})

	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, requestURL))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientUpstreamError{StatusCode: resp.StatusCode, URL: requestURL}

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, backoff.Permanent(&HTTPError{
			StatusCode: resp.StatusCode,
			URL:        requestURL,
			Message:    string(msg),
		})
	}
}

// waitForRateBudget blocks until the rate limit reserve margin holds again.
// Waits beyond the configured maximum fail with RateLimitExhaustedError.
func (c *client) waitForRateBudget(ctx context.Context) error {
	wait, resetAt := c.rate.waitDuration(c.reserve, time.Now())
	if wait <= 0 {
		return nil
	}

	if wait > c.maxRateLimitWait {
		return &RateLimitExhaustedError{ResetAt: resetAt, MaxWait: c.maxRateLimitWait}
	}

	slog.Info("Rate limit reserve reached, waiting for reset",
		"wait", wait.Round(time.Second),
		"reset_at", resetAt.Format(time.RFC3339))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.rate.markReset()
		return nil
	}
}

func decodePage(data []byte) (*Page, error) {
	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func decodeResource(data []byte) (*models.UpstreamResource, error) {
	var res models.UpstreamResource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	res.Raw = json.RawMessage(data)
	return &res, nil
}
