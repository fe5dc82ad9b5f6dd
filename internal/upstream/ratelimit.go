package upstream

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Rate limit response headers set by the upstream forge
const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
)

// RateLimitSnapshot is an immutable copy of the tracked rate limit state
type RateLimitSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Used      int       `json:"used"`
}

// rateLimitState tracks upstream quota for a single credential. It is shared
// by all callers of the client and guarded by a mutex; only one caller may
// consume or refresh the counters at a time.
type rateLimitState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	used      int
}

func newRateLimitState() *rateLimitState {
	// Until the first response arrives we assume an open window
	return &rateLimitState{limit: -1, remaining: -1}
}

// snapshot returns a copy of the current state
func (s *rateLimitState) snapshot() RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RateLimitSnapshot{
		Limit:     s.limit,
		Remaining: s.remaining,
		ResetAt:   s.resetAt,
		Used:      s.used,
	}
}

// update refreshes the state from upstream response headers. Missing headers
// leave the previous values untouched.
func (s *rateLimitState) update(h http.Header) {
	limit, limitOK := parseIntHeader(h, headerRateLimitLimit)
	remaining, remainingOK := parseIntHeader(h, headerRateLimitRemaining)
	reset, resetOK := parseIntHeader(h, headerRateLimitReset)

	s.mu.Lock()
	defer s.mu.Unlock()

	if limitOK {
		s.limit = limit
	}
	if remainingOK {
		s.remaining = remaining
	}
	if resetOK {
		s.resetAt = time.Unix(int64(reset), 0)
	}
	s.used++
}

// consume decrements the remaining counter without letting it go negative.
// Called once per issued request so that concurrent callers cannot overrun
// the window between header refreshes.
func (s *rateLimitState) consume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining > 0 {
		s.remaining--
	}
}

// waitDuration returns how long a caller must wait before issuing the next
// request, or zero when the reserve margin still holds. The second return
// is the reset time the wait targets.
func (s *rateLimitState) waitDuration(reserve int, now time.Time) (time.Duration, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unknown state before the first response
	if s.remaining < 0 {
		return 0, time.Time{}
	}

	if s.remaining >= reserve {
		return 0, time.Time{}
	}

	if s.resetAt.After(now) {
		return s.resetAt.Sub(now), s.resetAt
	}

	// Window already reset; allow the call and let the next response refresh
	s.remaining = -1
	return 0, time.Time{}
}

// markReset clears the counters after a successful wait for window reset
func (s *rateLimitState) markReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = -1
}

func parseIntHeader(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
