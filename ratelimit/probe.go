// Package ratelimit implements the Rate-Limit Probe from SPEC_FULL.md
// §4.2: an intermittent one-shot CLI invocation that detects whether the
// agent CLI currently has quota, with a cached reset-at deadline.
package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cogwheel-dev/taskqueue/log"
	"github.com/cogwheel-dev/taskqueue/store"
)

// probePrompts are randomized trivial prompts for the probe invocation,
// grounded on agent_queue/core/rate_limit_monitor.py's use of a throwaway
// one-word prompt so the probe call itself never meaningfully burns quota.
var probePrompts = []string{"hi", "ping", "hello", "1+1", "ok"}

// Probe detects agent-CLI quota exhaustion. Construct one per engine
// instance (per spec.md §9's no-singletons design note) and share it with
// the scheduler and the session manager.
type Probe struct {
	agentCommand string
	timeout      time.Duration
	store        store.Store

	gate *rate.Limiter // at most one probe per cadence interval

	mu     sync.Mutex
	cached *store.RateLimitStatus
}

// New constructs a Probe. cadence is the minimum gap between probes
// (spec default 5 minutes); timeout bounds a single probe invocation.
func New(s store.Store, agentCommand string, cadence, timeout time.Duration) *Probe {
	return &Probe{
		agentCommand: agentCommand,
		timeout:      timeout,
		store:        s,
		gate:         rate.NewLimiter(rate.Every(cadence), 1),
	}
}

type claudeResult struct {
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// GetRateLimitStatus returns the freshest status. If the cached status is
// still limited with a future reset_at, the probe is skipped entirely and
// the cached value returned (spec.md §4.2 cadence rule). Otherwise, if the
// cadence gate allows it, a probe runs and the persistent cache is
// upserted; transient probe failures fall back to the cached value or a
// conservative unknown-but-unlimited default, per SPEC_FULL.md §7's
// transient-operational policy.
func (p *Probe) GetRateLimitStatus(ctx context.Context) (*store.RateLimitStatus, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	if cached == nil {
		if persisted, err := p.store.GetRateLimitStatus(ctx); err == nil && persisted != nil {
			cached = persisted
		}
	}

	now := time.Now()
	if cached != nil && cached.IsLimited && cached.ResetAt != nil && cached.ResetAt.After(now) {
		return cached, nil
	}

	if !p.gate.Allow() {
		if cached != nil {
			return cached, nil
		}
		return &store.RateLimitStatus{IsLimited: false, LastUpdated: now}, nil
	}

	status, err := p.probe(ctx)
	if err != nil {
		log.ErrorLog.Printf("rate-limit probe failed: %v", err)
		if cached != nil {
			return cached, nil
		}
		return &store.RateLimitStatus{IsLimited: false, LastUpdated: now}, nil
	}

	p.mu.Lock()
	p.cached = status
	p.mu.Unlock()

	if err := p.store.UpdateRateLimitStatus(ctx, status); err != nil {
		log.ErrorLog.Printf("failed to persist rate-limit status: %v", err)
	}

	return status, nil
}

// MarkRateLimited lets the session manager inject a rate-limited verdict
// when a full session hits the limit mid-run (SPEC_FULL.md §4.2).
func (p *Probe) MarkRateLimited(ctx context.Context, resetAt time.Time) {
	status := &store.RateLimitStatus{
		IsLimited:   true,
		ResetAt:     &resetAt,
		LastUpdated: time.Now(),
	}

	p.mu.Lock()
	p.cached = status
	p.mu.Unlock()

	if err := p.store.UpdateRateLimitStatus(ctx, status); err != nil {
		log.ErrorLog.Printf("failed to persist rate-limit status: %v", err)
	}
}

// probe invokes the agent CLI once in one-shot JSON mode with a trivial
// prompt and interprets the result per SPEC_FULL.md §4.2's signal table.
func (p *Probe) probe(ctx context.Context) (*store.RateLimitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prompt := probePrompts[rand.Intn(len(probePrompts))]
	cmd := exec.CommandContext(ctx, p.agentCommand, "-p", "--output-format", "json", "--dangerously-skip-permissions", prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	now := time.Now()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("probe timed out after %s", p.timeout)
	}

	var result claudeResult
	if jsonErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); jsonErr == nil {
		if runErr == nil && !result.IsError {
			return &store.RateLimitStatus{IsLimited: false, LastUpdated: now}, nil
		}
		if result.IsError && containsRateLimitPhrase(result.Result) {
			resetAt := parseResetTime(result.Result, now)
			return &store.RateLimitStatus{IsLimited: true, ResetAt: &resetAt, LastUpdated: now}, nil
		}
	}

	if runErr != nil && containsRateLimitPhrase(stderr.String()) {
		resetAt := parseResetTime(stderr.String(), now)
		return &store.RateLimitStatus{IsLimited: true, ResetAt: &resetAt, LastUpdated: now}, nil
	}

	if runErr != nil {
		return nil, fmt.Errorf("probe exec failed: %w", runErr)
	}

	// Non-JSON, non-error output: treat as capacity available.
	return &store.RateLimitStatus{IsLimited: false, LastUpdated: now}, nil
}
