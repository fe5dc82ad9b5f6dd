package upstream

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func rateLimitHeaders(limit, remaining int, reset time.Time) http.Header {
	h := http.Header{}
	h.Set(headerRateLimitLimit, fmt.Sprintf("%d", limit))
	h.Set(headerRateLimitRemaining, fmt.Sprintf("%d", remaining))
	h.Set(headerRateLimitReset, fmt.Sprintf("%d", reset.Unix()))
	return h
}

func TestRateLimitStateUpdate(t *testing.T) {
	t.Parallel()

	s := newRateLimitState()
	snap := s.snapshot()
	assert.Equal(t, -1, snap.Limit)
	assert.Equal(t, -1, snap.Remaining)
	assert.Zero(t, snap.Used)

	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	s.update(rateLimitHeaders(5000, 4000, reset))

	snap = s.snapshot()
	assert.Equal(t, 5000, snap.Limit)
	assert.Equal(t, 4000, snap.Remaining)
	assert.Equal(t, reset.Unix(), snap.ResetAt.Unix())
	assert.Equal(t, 1, snap.Used)

	// Missing headers leave the previous values in place
	s.update(http.Header{})
	snap = s.snapshot()
	assert.Equal(t, 5000, snap.Limit)
	assert.Equal(t, 4000, snap.Remaining)
	assert.Equal(t, 2, snap.Used)
}

func TestRateLimitStateConsume(t *testing.T) {
	t.Parallel()

	s := newRateLimitState()
	s.update(rateLimitHeaders(100, 2, time.Now().Add(time.Hour)))

	s.consume()
	assert.Equal(t, 1, s.snapshot().Remaining)
	s.consume()
	assert.Equal(t, 0, s.snapshot().Remaining)

	// Never goes negative
	s.consume()
	assert.Equal(t, 0, s.snapshot().Remaining)
}

func TestRateLimitWaitDuration(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("unknown_state_is_open", func(t *testing.T) {
		t.Parallel()
		s := newRateLimitState()
		wait, _ := s.waitDuration(50, now)
		assert.Zero(t, wait)
	})

	t.Run("above_reserve_no_wait", func(t *testing.T) {
		t.Parallel()
		s := newRateLimitState()
		s.update(rateLimitHeaders(100, 80, now.Add(time.Hour)))
		wait, _ := s.waitDuration(50, now)
		assert.Zero(t, wait)
	})

	t.Run("below_reserve_waits_for_reset", func(t *testing.T) {
		t.Parallel()
		s := newRateLimitState()
		reset := now.Add(10 * time.Minute)
		s.update(rateLimitHeaders(100, 10, reset))

		wait, resetAt := s.waitDuration(50, now)
		assert.InDelta(t, (10 * time.Minute).Seconds(), wait.Seconds(), 1)
		assert.Equal(t, reset.Unix(), resetAt.Unix())
	})

	t.Run("stale_reset_reopens_window", func(t *testing.T) {
		t.Parallel()
		s := newRateLimitState()
		s.update(rateLimitHeaders(100, 10, now.Add(-time.Minute)))

		wait, _ := s.waitDuration(50, now)
		assert.Zero(t, wait)
		// Window is reopened until the next response refreshes it
		assert.Equal(t, -1, s.snapshot().Remaining)
	})
}

func TestRateLimitMarkReset(t *testing.T) {
	t.Parallel()

	s := newRateLimitState()
	s.update(rateLimitHeaders(100, 0, time.Now().Add(time.Hour)))
	s.markReset()
	assert.Equal(t, -1, s.snapshot().Remaining)
}
