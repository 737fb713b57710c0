package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rateLimitPatterns is the exact phrase table from SPEC_FULL.md §4.2,
// grounded on original_source/agent_queue/core/rate_limit_monitor.py.
var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you.ve hit your limit`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)usage limit`),
	regexp.MustCompile(`(?i)exceeded.*quota`),
	regexp.MustCompile(`(?i)capacity`),
}

// containsRateLimitPhrase scans text for any rate-limit signal.
func containsRateLimitPhrase(text string) bool {
	for _, re := range rateLimitPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// resetClockPattern matches "resets 8pm (America/New_York)" or
// "resets 10:30pm (UTC)"-style phrases.
var resetClockPattern = regexp.MustCompile(`(?i)resets?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)\s*(?:\(([^)]+)\))?`)

// resetISOPattern matches an embedded ISO-8601 datetime.
var resetISOPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

// resetRelativePattern matches "try again in 45 minutes" / "try again in 2 hours".
var resetRelativePattern = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*(minute|hour)s?`)

// parseResetTime applies the three-pattern fallback chain from
// SPEC_FULL.md §4.2 against text known to contain a rate-limit signal.
// When no pattern matches, it returns now+1h, the spec-mandated default.
func parseResetTime(text string, now time.Time) time.Time {
	if m := resetClockPattern.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if strings.EqualFold(m[3], "pm") && hour != 12 {
			hour += 12
		}
		if strings.EqualFold(m[3], "am") && hour == 12 {
			hour = 0
		}
		// The timezone name in m[4], if present, is parsed but ignored per
		// spec.md §9's open question: reset times are computed in local
		// time, not the named zone.
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if candidate.Before(now) {
			candidate = candidate.Add(24 * time.Hour)
		}
		return candidate
	}

	if iso := resetISOPattern.FindString(text); iso != "" {
		if t, err := time.Parse("2006-01-02T15:04:05", iso); err == nil {
			return t
		}
	}

	if m := resetRelativePattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := strings.ToLower(m[2])
		delta := time.Duration(n) * time.Minute
		if unit == "hour" {
			delta = time.Duration(n) * time.Hour
		}
		return now.Add(delta)
	}

	return now.Add(1 * time.Hour)
}
