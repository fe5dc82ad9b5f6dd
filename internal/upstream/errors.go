package upstream

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the upstream reports 404 for a resource
var ErrNotFound = errors.New("upstream resource not found")

// AuthError is a fatal authentication or authorization failure (401/403).
// It is never retried.
type AuthError struct {
	StatusCode int
	URL        string
}

// Error returns the error message
func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth failure (HTTP %d) for %s", e.StatusCode, e.URL)
}

// RateLimitExhaustedError is returned when the rate limit window will not
// reset within the maximum wait the client is willing to block for.
type RateLimitExhaustedError struct {
	ResetAt time.Time
	MaxWait time.Duration
}

// Error returns the error message
func (e *RateLimitExhaustedError) Error() string {
	return fmt.Sprintf("rate limit exhausted: reset at %s exceeds max wait %s",
		e.ResetAt.Format(time.RFC3339), e.MaxWait)
}

// TransientUpstreamError wraps a retryable upstream failure (429/5xx or a
// network error) after the retry budget is spent.
type TransientUpstreamError struct {
	StatusCode int
	URL        string
	Err        error
}

// Error returns the error message
func (e *TransientUpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream error for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transient upstream error (HTTP %d) for %s", e.StatusCode, e.URL)
}

// Unwrap returns the wrapped error
func (e *TransientUpstreamError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-retryable HTTP error outside the auth and
// transient classes
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsAuthError reports whether err is a fatal auth failure
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimitExhausted reports whether err is a rate limit exhaustion
func IsRateLimitExhausted(err error) bool {
	var re *RateLimitExhaustedError
	return errors.As(err, &re)
}

// IsTransient reports whether err is a retryable upstream failure
func IsTransient(err error) bool {
	var te *TransientUpstreamError
	return errors.As(err, &te)
}
