package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContainsRateLimitPhrase(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"You've hit your limit for this period", true},
		{"Error: rate limit exceeded", true},
		{"too many requests, slow down", true},
		{"usage limit reached", true},
		{"exceeded the monthly quota", true},
		{"at capacity right now", true},
		{"everything is fine", false},
		{"", false},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, containsRateLimitPhrase(c.text), "text=%q", c.text)
	}
}

func TestParseResetTime(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	t.Run("clock time pm", func(t *testing.T) {
		got := parseResetTime("resets 8pm (America/New_York)", now)
		assert.Equal(t, 20, got.Hour())
		assert.True(t, got.After(now))
	})

	t.Run("clock time with minutes", func(t *testing.T) {
		got := parseResetTime("resets 10:30pm (UTC)", now)
		assert.Equal(t, 22, got.Hour())
		assert.Equal(t, 30, got.Minute())
	})

	t.Run("clock time rolls to next day when already past", func(t *testing.T) {
		got := parseResetTime("resets 9am (UTC)", now)
		assert.True(t, got.After(now))
		assert.Equal(t, now.Day()+1, got.Day())
	})

	t.Run("iso-8601", func(t *testing.T) {
		got := parseResetTime("capacity exhausted, reset at 2026-07-30T15:30:00", now)
		assert.Equal(t, 15, got.Hour())
		assert.Equal(t, 30, got.Minute())
	})

	t.Run("relative minutes", func(t *testing.T) {
		got := parseResetTime("rate limit hit, try again in 45 minutes", now)
		assert.Equal(t, now.Add(45*time.Minute), got)
	})

	t.Run("relative hours", func(t *testing.T) {
		got := parseResetTime("usage limit, try again in 2 hours", now)
		assert.Equal(t, now.Add(2*time.Hour), got)
	})

	t.Run("no match defaults to one hour", func(t *testing.T) {
		got := parseResetTime("capacity", now)
		assert.Equal(t, now.Add(time.Hour), got)
	})
}
