package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cogwheel-dev/taskqueue/eventbus"
	"github.com/cogwheel-dev/taskqueue/log"
)

// gcEveryNBeats is spec.md §4.5 step 7's worktree garbage-collection cadence.
const gcEveryNBeats = 10

// Heartbeat drives a Scheduler with a periodic tick loop. Each beat runs
// to completion before the next begins; beats never overlap.
type Heartbeat struct {
	interval  time.Duration
	scheduler *Scheduler
	bus       *eventbus.Bus

	beatCount int64
}

func NewHeartbeat(interval time.Duration, scheduler *Scheduler, bus *eventbus.Bus) *Heartbeat {
	return &Heartbeat{interval: interval, scheduler: scheduler, bus: bus}
}

// Run blocks until ctx is cancelled, firing one beat per interval.
func (h *Heartbeat) Run(ctx context.Context) {
	h.bus.Emit(ctx, "heartbeat.started", nil, "system", "")
	defer h.bus.Emit(context.Background(), "heartbeat.stopped", nil, "system", "")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

// beat implements spec.md §4.5's per-beat sequence. Panics are caught and
// turned into a degraded heartbeat.tick so a single bad beat never kills
// the loop.
func (h *Heartbeat) beat(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("recovered panic in beat %d: %v", h.beatCount, r)
			h.bus.Emit(ctx, "heartbeat.tick", map[string]any{
				"beat_number": h.beatCount,
				"error":       fmt.Sprint(r),
			}, "system", "")
		}
	}()

	h.beatCount++

	status, err := h.scheduler.probe.GetRateLimitStatus(ctx)
	if err != nil {
		log.ErrorLog.Printf("beat %d: rate-limit probe failed, continuing with cached status: %v", h.beatCount, err)
	}

	phase := "assess"
	if h.beatCount%2 == 0 {
		phase = "execute"
	}

	h.bus.Emit(ctx, "heartbeat.tick", map[string]any{
		"timestamp":   time.Now(),
		"rate_limit":  status,
		"beat_number": h.beatCount,
		"phase":       phase,
	}, "system", "")

	if status != nil && status.IsLimited && status.ResetAt != nil && status.ResetAt.After(time.Now()) {
		h.bus.Emit(ctx, "heartbeat.rate_limited", map[string]any{"reset_at": status.ResetAt}, "system", "")
		return
	}

	if err := h.scheduler.DedupeTasks(ctx); err != nil {
		log.ErrorLog.Printf("beat %d: dedupe failed: %v", h.beatCount, err)
	}

	var phaseErr error
	switch phase {
	case "assess":
		phaseErr = h.scheduler.AssessPhase(ctx)
	case "execute":
		phaseErr = h.scheduler.ExecutePhase(ctx)
	}
	if phaseErr != nil {
		log.ErrorLog.Printf("beat %d: %s phase failed: %v", h.beatCount, phase, phaseErr)
	}

	if h.beatCount%gcEveryNBeats == 0 {
		if err := h.scheduler.CleanupStaleWorktrees(ctx); err != nil {
			log.ErrorLog.Printf("beat %d: worktree gc failed: %v", h.beatCount, err)
		}
	}
}
