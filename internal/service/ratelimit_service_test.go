package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitWindowAlignment(t *testing.T) {
	s := &RateLimitService{window: 60 * time.Second}

	now := time.Date(2025, 3, 10, 12, 34, 56, 0, time.UTC)
	ws := s.windowStart(now)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 34, 0, 0, time.UTC), ws)

	// Two instants in the same window share a boundary.
	assert.Equal(t, ws, s.windowStart(now.Add(3*time.Second)))

	// The next window starts exactly at the boundary.
	next := s.windowStart(now.Add(4 * time.Second))
	assert.Equal(t, ws.Add(time.Minute), next)
}

func TestRateLimitWindowZeroDuration(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 34, 56, 0, time.UTC)

	// A zero or sub-second window falls back to one-second alignment
	// instead of dividing by zero.
	for _, w := range []time.Duration{0, 500 * time.Millisecond, -time.Second} {
		s := &RateLimitService{window: w}
		assert.NotPanics(t, func() {
			assert.Equal(t, now, s.windowStart(now))
		})
	}
}
