// Package session implements the Session Lifecycle Manager from
// SPEC_FULL.md §4.4: it creates a Session record, delegates execution to
// the agent CLI driver, reports progress on the event bus, persists the
// final status, and reconciles rate-limit and failure signals.
//
// Grounded on original_source/agent_queue/core/session_manager.py for the
// created -> running -> {completed, failed, cancelled} state machine and
// the teacher's session/instance_lifecycle.go and session/instance_session.go
// for the supervisor-goroutine/pid-bookkeeping idiom, adapted from an
// interactive tmux-backed instance to a headless one-shot subprocess.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cogwheel-dev/taskqueue/agentcli"
	"github.com/cogwheel-dev/taskqueue/eventbus"
	"github.com/cogwheel-dev/taskqueue/ratelimit"
	"github.com/cogwheel-dev/taskqueue/store"
)

// Manager supervises session execution. Construct one per engine instance
// and share it with the scheduler (per spec.md §9's no-singletons design
// note).
type Manager struct {
	store          store.Store
	bus            *eventbus.Bus
	driver         *agentcli.Driver
	probe          *ratelimit.Probe
	terminateGrace time.Duration

	mu      sync.Mutex
	running map[int64]*runningSession
}

type runningSession struct {
	pid             int
	cancelRequested bool
}

func New(s store.Store, bus *eventbus.Bus, driver *agentcli.Driver, probe *ratelimit.Probe, terminateGrace time.Duration) *Manager {
	return &Manager{
		store:          s,
		bus:            bus,
		driver:         driver,
		probe:          probe,
		terminateGrace: terminateGrace,
		running:        make(map[int64]*runningSession),
	}
}

// RunParams bundles what StartSession needs to launch one agent-CLI
// invocation for a task.
type RunParams struct {
	Task             *store.Task
	Prompt           string
	WorkingDirectory string
	Model            string
	StdoutPath       string
	StderrPath       string
	Timeout          time.Duration
}

// StartSession runs one full session to completion: create -> running ->
// terminal. It blocks until the agent CLI exits, times out, or is
// cancelled via CancelSession from another goroutine; callers that want
// bounded concurrency across many sessions run StartSession in their own
// worker goroutines (the scheduler's launch phase owns that policy).
//
// onRunning, if non-nil, is invoked once the session has flipped to
// running, before the agent CLI's output starts streaming in. The
// scheduler's execute phase uses this to implement "fire-and-wait for
// start confirmation" without blocking the beat on the whole session.
func (m *Manager) StartSession(ctx context.Context, p RunParams, onRunning func(*store.Session)) (*store.Session, error) {
	now := time.Now()
	sess := &store.Session{
		TaskID:           p.Task.ID,
		WorkingDirectory: p.WorkingDirectory,
		Model:            p.Model,
		Status:           store.SessionStatusCreated,
		StdoutPath:       p.StdoutPath,
		StderrPath:       p.StderrPath,
		CreatedAt:        now,
	}

	sess, err := m.store.CreateSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for task %d: %w", p.Task.ID, err)
	}
	m.bus.Emit(ctx, "session.created", map[string]any{"task_id": p.Task.ID}, "session", fmt.Sprint(sess.ID))

	m.mu.Lock()
	m.running[sess.ID] = &runningSession{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, sess.ID)
		m.mu.Unlock()
	}()

	startedAt := time.Now()
	sess.Status = store.SessionStatusRunning
	sess.StartedAt = &startedAt
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("failed to mark session %d running: %w", sess.ID, err)
	}
	m.bus.Emit(ctx, "session.started", map[string]any{"task_id": p.Task.ID}, "session", fmt.Sprint(sess.ID))

	if onRunning != nil {
		onRunning(sess)
	}

	turnCount := 0
	onJSONEvent := func(event map[string]any) {
		if eventType, _ := event["type"].(string); eventType == "assistant" {
			turnCount++
		}
		text := agentcli.ExtractText(event)
		if text == "" {
			return
		}
		m.bus.Emit(ctx, "session.progress", map[string]any{
			"task_id": p.Task.ID,
			"text":    text,
		}, "session", fmt.Sprint(sess.ID))
	}

	onPID := func(pid int) {
		m.mu.Lock()
		if rs, ok := m.running[sess.ID]; ok {
			rs.pid = pid
		}
		m.mu.Unlock()
		sess.PID = pid
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			// Non-fatal: the pid is only needed for cancellation, which is
			// best-effort anyway.
			_ = err
		}
	}

	result := m.driver.RunTask(ctx, p.Prompt, p.WorkingDirectory, p.Model,
		p.StdoutPath, p.StderrPath, nil, onJSONEvent, onPID, p.Timeout)

	m.mu.Lock()
	cancelled := m.running[sess.ID] != nil && m.running[sess.ID].cancelRequested
	m.mu.Unlock()

	completedAt := time.Now()
	sess.CompletedAt = &completedAt
	sess.TurnCount = turnCount
	sess.ExitCode = &result.ExitCode

	switch {
	case cancelled:
		sess.Status = store.SessionStatusCancelled
	case result.IsRateLimited:
		sess.Status = store.SessionStatusFailed
		resetAt := time.Now().Add(time.Hour)
		m.probe.MarkRateLimited(ctx, resetAt)
		m.bus.Emit(ctx, "session.rate_limited", map[string]any{
			"task_id": p.Task.ID,
			"text":    result.RateLimitText,
		}, "session", fmt.Sprint(sess.ID))
	case result.Err != nil || result.ExitCode != 0:
		sess.Status = store.SessionStatusFailed
	default:
		sess.Status = store.SessionStatusCompleted
	}

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("failed to persist final session status for %d: %w", sess.ID, err)
	}

	m.bus.Emit(ctx, "session."+string(sess.Status), map[string]any{
		"task_id":   p.Task.ID,
		"exit_code": result.ExitCode,
	}, "session", fmt.Sprint(sess.ID))

	if sess.Status == store.SessionStatusFailed && !result.IsRateLimited {
		if result.Err != nil {
			return sess, result.Err
		}
		return sess, fmt.Errorf("agent CLI exited with code %d", result.ExitCode)
	}
	return sess, nil
}

// CancelSession requests graceful termination of a running session. It is
// a no-op error if the session is not currently tracked as running (it may
// already have finished).
func (m *Manager) CancelSession(sessionID int64) error {
	m.mu.Lock()
	rs, ok := m.running[sessionID]
	if ok {
		rs.cancelRequested = true
	}
	pid := 0
	if ok {
		pid = rs.pid
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %d is not running", sessionID)
	}
	if pid == 0 {
		return nil // process hasn't reported its pid yet; the run loop will still see cancelRequested
	}
	return agentcli.TerminateProcess(pid, m.terminateGrace)
}

// IsRunning reports whether the manager is currently supervising the given
// session.
func (m *Manager) IsRunning(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[sessionID]
	return ok
}
