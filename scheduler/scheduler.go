// Package scheduler implements the Scheduler Core from SPEC_FULL.md §4.5:
// the state machine operating on tasks, composed from the Event Bus,
// Rate-Limit Probe, Session Lifecycle Manager, worktree manager, git/PR
// manager, and assessment client. heartbeat.go drives it with the
// periodic tick loop.
//
// Grounded on original_source/agent_queue/core/scheduler.py for the
// per-beat sequence and phase logic, and the teacher's orchestrator/pool.go
// for the bounded-concurrency launch pattern (reworked onto
// golang.org/x/sync/errgroup's fire-and-wait-for-first-error idiom).
package scheduler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cogwheel-dev/taskqueue/agentcli"
	"github.com/cogwheel-dev/taskqueue/assessment"
	"github.com/cogwheel-dev/taskqueue/config"
	"github.com/cogwheel-dev/taskqueue/eventbus"
	"github.com/cogwheel-dev/taskqueue/gitpr"
	"github.com/cogwheel-dev/taskqueue/log"
	"github.com/cogwheel-dev/taskqueue/ratelimit"
	"github.com/cogwheel-dev/taskqueue/session"
	"github.com/cogwheel-dev/taskqueue/store"
	"github.com/cogwheel-dev/taskqueue/worktree"
)

const assessBatchSize = 10

// terminalSubtaskStatuses is the set _check_parent_completion waits for
// every child to reach.
var terminalSubtaskStatuses = map[store.TaskStatus]bool{
	store.TaskStatusCompleted:      true,
	store.TaskStatusFailed:         true,
	store.TaskStatusCancelled:      true,
	store.TaskStatusReadyForReview: true,
}

// Scheduler holds every collaborator the state machine needs. Construct
// one per engine instance (per spec.md §9's no-singletons design note) and
// drive it with a Heartbeat.
type Scheduler struct {
	cfg        *config.Config
	store      store.Store
	bus        *eventbus.Bus
	probe      *ratelimit.Probe
	sessions   *session.Manager
	worktrees  *worktree.Manager
	gitpr      *gitpr.Manager
	assessment *assessment.Client

	// supervisorCtx is the engine-lifetime context (cancelled only on
	// shutdown), not the short-lived errgroup context a beat derives for its
	// bounded fan-out. Launched sessions outlive the beat that started them
	// and must run against this context, never a per-beat one.
	supervisorCtx context.Context
}

func New(supervisorCtx context.Context, cfg *config.Config, s store.Store, bus *eventbus.Bus, probe *ratelimit.Probe,
	sessions *session.Manager, worktrees *worktree.Manager, pr *gitpr.Manager, assess *assessment.Client) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		store:         s,
		bus:           bus,
		probe:         probe,
		sessions:      sessions,
		worktrees:     worktrees,
		gitpr:         pr,
		assessment:    assess,
		supervisorCtx: supervisorCtx,
	}
}

// DedupeTasks implements spec.md §4.5 step 5: across all pending tasks,
// keep only the lowest-position task per normalized-title key, cancelling
// the rest as duplicates.
func (s *Scheduler) DedupeTasks(ctx context.Context) error {
	pendingStatus := store.TaskStatusPending
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Status: &pendingStatus})
	if err != nil {
		return fmt.Errorf("dedupe: failed to list pending tasks: %w", err)
	}

	byKey := make(map[string][]*store.Task)
	for _, t := range tasks {
		key := normalizeTitle(t.Title)
		byKey[key] = append(byKey[key], t)
	}

	for _, group := range byKey {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Position < group[j].Position })
		for _, dup := range group[1:] {
			dup.Status = store.TaskStatusCancelled
			dup.Metadata.CancelledReason = "duplicate"
			if err := s.store.UpdateTask(ctx, dup); err != nil {
				log.ErrorLog.Printf("dedupe: failed to cancel duplicate task %d: %v", dup.ID, err)
				continue
			}
			s.bus.Emit(ctx, "task.cancelled", map[string]any{"reason": "duplicate"}, "task", fmt.Sprint(dup.ID))
		}
	}

	return nil
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// eligibleForAssessment implements the bot-user-alternation filter: a task
// is only reassessed once its latest comment (if any) was authored by the
// user, so the engine never talks to itself across beats while a review
// comment sits unanswered.
func (s *Scheduler) eligibleForAssessment(ctx context.Context, task *store.Task) bool {
	comments, err := s.store.ListComments(ctx, task.ID)
	if err != nil {
		log.WarningLog.Printf("eligibility check: failed to list comments for task %d: %v", task.ID, err)
		return true
	}
	if len(comments) == 0 {
		return true
	}
	latest := comments[len(comments)-1]
	return latest.Author == store.CommentAuthorUser
}

// AssessPhase implements spec.md §4.5's assess phase: batch-triage up to
// assessBatchSize active, unassessed pending tasks.
func (s *Scheduler) AssessPhase(ctx context.Context) error {
	candidates, err := s.store.GetActiveUnassessed(ctx, assessBatchSize)
	if err != nil {
		return fmt.Errorf("assess: failed to fetch unassessed tasks: %w", err)
	}

	tasks := candidates[:0:0]
	for _, t := range candidates {
		if s.eligibleForAssessment(ctx, t) {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	results, err := s.assessment.AssessBatch(ctx, tasks)
	if err != nil {
		log.ErrorLog.Printf("assess: batch assessment degraded to conservative defaults: %v", err)
	}

	for i, t := range tasks {
		result := results[i]
		complexity := result.Complexity
		t.Complexity = &complexity
		t.RecommendedModel = result.RecommendedModel
		t.Metadata.Assessment = &store.Assessment{
			Reasoning:       result.Reasoning,
			Subtasks:        result.Subtasks,
			ShouldDecompose: result.ShouldDecompose,
		}

		if err := s.store.UpdateTask(ctx, t); err != nil {
			log.ErrorLog.Printf("assess: failed to persist assessment for task %d: %v", t.ID, err)
			continue
		}

		if result.Comment != nil && *result.Comment != "" {
			if _, err := s.store.CreateComment(ctx, &store.Comment{
				TaskID:  t.ID,
				Content: *result.Comment,
				Author:  store.CommentAuthorSystem,
			}); err != nil {
				log.ErrorLog.Printf("assess: failed to record comment for task %d: %v", t.ID, err)
			}
		}

		s.bus.Emit(ctx, "task.assessed", map[string]any{
			"complexity":       string(complexity),
			"recommended_model": result.RecommendedModel,
		}, "task", fmt.Sprint(t.ID))
	}

	return nil
}

// ExecutePhase implements spec.md §4.5's execute phase: reconcile every
// currently-executing task against its session, then fill free slots with
// assessed, active pending tasks (decomposing or launching each).
func (s *Scheduler) ExecutePhase(ctx context.Context) error {
	executingStatus := store.TaskStatusExecuting
	executing, err := s.store.ListTasks(ctx, store.TaskFilter{Status: &executingStatus})
	if err != nil {
		return fmt.Errorf("execute: failed to list executing tasks: %w", err)
	}
	for _, t := range executing {
		s.checkExecutingTask(ctx, t)
	}

	executing, err = s.store.ListTasks(ctx, store.TaskFilter{Status: &executingStatus})
	if err != nil {
		return fmt.Errorf("execute: failed to re-list executing tasks: %w", err)
	}
	slots := s.cfg.MaxConcurrentTasks - len(executing)
	if slots <= 0 {
		return nil
	}

	candidates, err := s.store.GetNextAssessed(ctx, slots)
	if err != nil {
		return fmt.Errorf("execute: failed to fetch assessed tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range candidates {
		t := t
		if t.Metadata.DecomposeOnHeartbeat || (t.Metadata.Assessment != nil && t.Metadata.Assessment.ShouldDecompose) {
			if err := s.decompose(ctx, t); err != nil {
				log.ErrorLog.Printf("execute: failed to decompose task %d: %v", t.ID, err)
			}
			continue
		}
		g.Go(func() error {
			if err := s.launch(gctx, t); err != nil {
				log.ErrorLog.Printf("execute: failed to launch task %d: %v", t.ID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// decompose implements spec.md §4.5's decomposition: one child per subtask
// title, positioned just before the parent so children run first.
func (s *Scheduler) decompose(ctx context.Context, parent *store.Task) error {
	assessment := parent.Metadata.Assessment
	if assessment == nil || len(assessment.Subtasks) == 0 {
		return fmt.Errorf("task %d flagged for decomposition but has no subtasks", parent.ID)
	}

	childIDs := make([]int64, 0, len(assessment.Subtasks))
	for i, title := range assessment.Subtasks {
		child := &store.Task{
			Title:        title,
			Status:       store.TaskStatusPending,
			Priority:     parent.Priority,
			Position:     parent.Position - (len(assessment.Subtasks) - i),
			ParentTaskID: &parent.ID,
			ProjectID:    parent.ProjectID,
			Metadata:     store.TaskMetadata{Active: true},
		}
		created, err := s.store.CreateTask(ctx, child)
		if err != nil {
			return fmt.Errorf("failed to create subtask %q: %w", title, err)
		}
		childIDs = append(childIDs, created.ID)
		s.bus.Emit(ctx, "task.created", map[string]any{"parent_id": parent.ID}, "task", fmt.Sprint(created.ID))
	}

	parent.Status = store.TaskStatusDecomposed
	parent.Metadata.DecomposedInto = childIDs
	if err := s.store.UpdateTask(ctx, parent); err != nil {
		return fmt.Errorf("failed to mark parent %d decomposed: %w", parent.ID, err)
	}
	s.bus.Emit(ctx, "task.needs_decomposition", map[string]any{"children": childIDs}, "task", fmt.Sprint(parent.ID))
	return nil
}

// launch implements spec.md §4.5's launch step: resolve a working
// directory (a fresh worktree for git-backed projects, the default
// directory otherwise), create a Session, and fire the agent CLI,
// returning once the session confirms it is running rather than blocking
// on its completion.
func (s *Scheduler) launch(ctx context.Context, task *store.Task) error {
	task.Status = store.TaskStatusExecuting
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to mark task %d executing: %w", task.ID, err)
	}
	s.bus.Emit(ctx, "task.executing", nil, "task", fmt.Sprint(task.ID))

	workingDir, branch, repoDir, _, err := s.resolveWorkingDir(ctx, task)
	if err != nil {
		log.WarningLog.Printf("launch: falling back to default working dir for task %d: %v", task.ID, err)
		workingDir = s.cfg.DefaultWorkingDir
	}
	task.Metadata.Branch = branch
	task.Metadata.WorktreePath = workingDir
	task.Metadata.RepoDir = repoDir

	comments, _ := s.store.ListComments(ctx, task.ID)
	prompt := buildPrompt(task, comments)

	model := task.RecommendedModel
	if model == "" {
		model = s.cfg.AssessmentModel
	}

	startedCh := make(chan *store.Session, 1)
	// The session outlives this beat: it must run against the engine's
	// supervisor context, not ctx/gctx, which are cancelled the instant this
	// beat's errgroup.Wait returns (microseconds after onRunning fires
	// below). Driving completion from here too would also race
	// checkExecutingTask's next-beat read of the same *store.Task; leave
	// that transition to checkExecutingTask and only hand the start
	// confirmation back through startedCh.
	go func() {
		sessLogDir := filepath.Join(s.cfg.SessionsDir, fmt.Sprintf("task-%d-%d", task.ID, time.Now().UnixNano()))
		if err := os.MkdirAll(sessLogDir, 0755); err != nil {
			log.ErrorLog.Printf("failed to create session log dir %s: %v", sessLogDir, err)
		}
		params := session.RunParams{
			Task:             task,
			Prompt:           prompt,
			WorkingDirectory: workingDir,
			Model:            model,
			StdoutPath:       fmt.Sprintf("%s/stdout.log", sessLogDir),
			StderrPath:       fmt.Sprintf("%s/stderr.log", sessLogDir),
			Timeout:          s.cfg.DefaultTimeout(),
		}
		sess, runErr := s.sessions.StartSession(s.supervisorCtx, params, func(started *store.Session) {
			startedCh <- started
		})
		if runErr != nil {
			log.ErrorLog.Printf("session for task %d ended in error: %v", task.ID, runErr)
		}
		if sess != nil {
			log.InfoLog.Printf("session %d for task %d finished with status %s", sess.ID, task.ID, sess.Status)
		}
	}()

	select {
	case sess := <-startedCh:
		task.ActiveSessionID = &sess.ID
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("failed to link session %d to task %d: %w", sess.ID, task.ID, err)
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("session for task %d did not confirm start within 10s", task.ID)
	}
}

func (s *Scheduler) resolveWorkingDir(ctx context.Context, task *store.Task) (workingDir, branch, repoDir string, project *store.Project, err error) {
	if task.ProjectID == nil {
		return s.cfg.DefaultWorkingDir, "", "", nil, nil
	}

	project, err = s.store.GetProject(ctx, *task.ProjectID)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("failed to load project %d: %w", *task.ProjectID, err)
	}
	if !project.HasGitRepo() {
		return s.cfg.DefaultWorkingDir, "", "", project, nil
	}

	branchName := worktree.BranchName(task.ID, task.Title)
	wt, err := s.worktrees.Setup(project.WorkingDir, branchName)
	if err != nil {
		return s.cfg.DefaultWorkingDir, "", "", project, fmt.Errorf("failed to set up worktree: %w", err)
	}

	return wt.WorktreePath, wt.Branch, project.WorkingDir, project, nil
}

// buildPrompt concatenates the task's title/description, comment history,
// the no-git-operations rule, and the closing how-to-test instruction, per
// spec.md §4.5.
func buildPrompt(task *store.Task, comments []*store.Comment) string {
	var sb strings.Builder
	sb.WriteString(task.Title)
	sb.WriteString("\n\n")
	sb.WriteString(task.Description)

	if len(comments) > 0 {
		sb.WriteString("\n\n## Comment history\n")
		for _, c := range comments {
			fmt.Fprintf(&sb, "- (%s) %s\n", c.Author, c.Content)
		}
	}

	sb.WriteString("\n\nDo not run any git commands (add, commit, push, branch, checkout, etc.); the orchestrator owns all git operations for this task.")
	sb.WriteString("\n\nEnd your reply with a `## How to test` section describing how to verify the change.")
	return sb.String()
}

// checkExecutingTask implements spec.md §4.5: inspect the linked session
// and drive the task to its next state if the session has reached a
// terminal status.
func (s *Scheduler) checkExecutingTask(ctx context.Context, task *store.Task) {
	if task.ActiveSessionID == nil {
		return
	}
	sess, err := s.store.GetSession(ctx, *task.ActiveSessionID)
	if err != nil {
		log.ErrorLog.Printf("failed to load session %d for task %d: %v", *task.ActiveSessionID, task.ID, err)
		return
	}

	switch sess.Status {
	case store.SessionStatusCompleted:
		s.markTaskReadyForReview(ctx, task)
	case store.SessionStatusFailed:
		exitDesc := "session failed"
		if sess.ExitCode != nil {
			exitDesc = fmt.Sprintf("session exited with code %d", *sess.ExitCode)
		}
		s.markTaskFailed(ctx, task, exitDesc)
	case store.SessionStatusCancelled:
		task.Status = store.TaskStatusCancelled
		if err := s.store.UpdateTask(ctx, task); err != nil {
			log.ErrorLog.Printf("failed to mark task %d cancelled: %v", task.ID, err)
			return
		}
		s.bus.Emit(ctx, "task.cancelled", map[string]any{"reason": "session_cancelled"}, "task", fmt.Sprint(task.ID))
	}
}

// markTaskReadyForReview implements spec.md §4.5's review transition: build
// the review comment, open a PR when the project has a remote repo, and
// persist both.
func (s *Scheduler) markTaskReadyForReview(ctx context.Context, task *store.Task) {
	task.Status = store.TaskStatusReadyForReview
	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.ErrorLog.Printf("failed to mark task %d ready for review: %v", task.ID, err)
		return
	}
	s.bus.Emit(ctx, "task.ready_for_review", nil, "task", fmt.Sprint(task.ID))

	reviewComment := s.buildReviewComment(ctx, task)

	if task.Metadata.Branch != "" && task.Metadata.RepoDir != "" {
		if prURL, err := s.openPullRequest(task, reviewComment); err != nil {
			log.ErrorLog.Printf("failed to open PR for task %d: %v", task.ID, err)
		} else if prURL != "" {
			task.Metadata.PRURL = prURL
			reviewComment = fmt.Sprintf("%s\n\n%s", reviewComment, prURL)
			if err := s.store.UpdateTask(ctx, task); err != nil {
				log.ErrorLog.Printf("failed to persist PR URL for task %d: %v", task.ID, err)
			}
			if err := s.worktrees.Remove(task.Metadata.RepoDir, task.Metadata.WorktreePath); err != nil {
				log.ErrorLog.Printf("failed to remove worktree for task %d after PR: %v", task.ID, err)
			}
		}
	}

	if len(reviewComment) > 65000 {
		reviewComment = reviewComment[:65000]
	}
	if _, err := s.store.CreateComment(ctx, &store.Comment{
		TaskID:  task.ID,
		Content: reviewComment,
		Author:  store.CommentAuthorSystem,
	}); err != nil {
		log.ErrorLog.Printf("failed to persist review comment for task %d: %v", task.ID, err)
	}

	if task.ParentTaskID != nil {
		s.checkParentCompletion(ctx, *task.ParentTaskID)
	}
}

const howToTestHeading = "## how to test"
const reviewTailLines = 40

// buildReviewComment extracts the agent's how-to-test section from the
// session's stdout transcript, or falls back to its tail, per spec.md
// §4.5's review-comment rule.
func (s *Scheduler) buildReviewComment(ctx context.Context, task *store.Task) string {
	header := fmt.Sprintf("Task #%d completed. Agent model: %s.", task.ID, task.RecommendedModel)

	transcript := s.readSessionTranscript(ctx, task)
	if transcript == "" {
		return header
	}

	body := transcript
	if idx := strings.Index(strings.ToLower(transcript), howToTestHeading); idx >= 0 {
		body = transcript[idx:]
	} else {
		body = tailLines(transcript, reviewTailLines)
	}

	comment := fmt.Sprintf("%s\n\n%s", header, strings.TrimSpace(body))
	if len(comment) > 1500 {
		comment = comment[:1500]
	}
	return comment
}

// readSessionTranscript re-reads the task's session stdout log and
// concatenates the text extracted from each streamed JSON event.
func (s *Scheduler) readSessionTranscript(ctx context.Context, task *store.Task) string {
	if task.ActiveSessionID == nil {
		return ""
	}
	sess, err := s.store.GetSession(ctx, *task.ActiveSessionID)
	if err != nil || sess.StdoutPath == "" {
		return ""
	}

	f, err := os.Open(sess.StdoutPath)
	if err != nil {
		log.WarningLog.Printf("failed to open session stdout log %s: %v", sess.StdoutPath, err)
		return ""
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if text := agentcli.ExtractText(event); text != "" {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// tailLines returns the last n newline-separated lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func (s *Scheduler) openPullRequest(task *store.Task, body string) (string, error) {
	message := fmt.Sprintf("Task #%d: %s", task.ID, task.Title)
	if err := s.gitpr.CommitAndPush(task.Metadata.WorktreePath, task.Metadata.Branch, message); err != nil {
		return "", err
	}

	if !s.gitpr.HasGHCLI() {
		return "", nil
	}

	defaultBranch := s.worktrees.GetDefaultBranch(task.Metadata.RepoDir)
	truncatedBody := body
	if len(truncatedBody) > 65000 {
		truncatedBody = truncatedBody[:65000]
	}
	return s.gitpr.CreatePR(task.Metadata.WorktreePath, task.Metadata.Branch, defaultBranch, message, truncatedBody)
}

// markTaskFailed implements spec.md §4.5's auto-requeue: clean up the
// worktree, reset to pending, and bump retry_count.
func (s *Scheduler) markTaskFailed(ctx context.Context, task *store.Task, reason string) {
	if task.Metadata.Branch != "" && task.Metadata.RepoDir != "" {
		if err := s.worktrees.Cleanup(task.Metadata.RepoDir, task.Metadata.WorktreePath, task.Metadata.Branch); err != nil {
			log.ErrorLog.Printf("failed to clean up worktree for task %d: %v", task.ID, err)
		}
	}

	now := time.Now()
	task.Status = store.TaskStatusPending
	task.ActiveSessionID = nil
	task.CompletedAt = nil
	task.Metadata.RetryCount++
	task.Metadata.Error = reason
	task.Metadata.LastFailure = &now
	task.Metadata.Branch = ""
	task.Metadata.WorktreePath = ""
	task.Metadata.RepoDir = ""

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.ErrorLog.Printf("failed to requeue task %d: %v", task.ID, err)
		return
	}
	s.bus.Emit(ctx, "task.requeued", map[string]any{
		"reason":      reason,
		"retry_count": task.Metadata.RetryCount,
	}, "task", fmt.Sprint(task.ID))

	if task.ParentTaskID != nil {
		s.checkParentCompletion(ctx, *task.ParentTaskID)
	}
}

// checkParentCompletion implements spec.md §4.5's parent reconciliation.
func (s *Scheduler) checkParentCompletion(ctx context.Context, parentID int64) {
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		log.ErrorLog.Printf("failed to load parent task %d: %v", parentID, err)
		return
	}
	if parent.Status != store.TaskStatusDecomposed {
		return
	}

	children, err := s.store.GetSubtasks(ctx, parentID)
	if err != nil {
		log.ErrorLog.Printf("failed to load subtasks of %d: %v", parentID, err)
		return
	}

	anyFailed, anyReviewing := false, false
	for _, child := range children {
		if !terminalSubtaskStatuses[child.Status] {
			return // not every subtask has reached a terminal state yet
		}
		if child.Status == store.TaskStatusFailed {
			anyFailed = true
		}
		if child.Status == store.TaskStatusReadyForReview {
			anyReviewing = true
		}
	}

	switch {
	case anyFailed:
		parent.Status = store.TaskStatusFailed
	case anyReviewing:
		parent.Status = store.TaskStatusReadyForReview
	default:
		parent.Status = store.TaskStatusCompleted
	}

	if err := s.store.UpdateTask(ctx, parent); err != nil {
		log.ErrorLog.Printf("failed to update parent task %d completion: %v", parentID, err)
		return
	}
	s.bus.Emit(ctx, "task."+string(parent.Status), nil, "task", fmt.Sprint(parent.ID))
}

// CancelTask implements spec.md §4.5's cancel_task: terminate any running
// session, clean up the worktree, and mark cancelled.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	if task.ActiveSessionID != nil {
		if err := s.sessions.CancelSession(*task.ActiveSessionID); err != nil {
			log.WarningLog.Printf("cancel: session %d for task %d was not running: %v", *task.ActiveSessionID, taskID, err)
		}
	}

	if task.Metadata.Branch != "" && task.Metadata.RepoDir != "" {
		if err := s.worktrees.Cleanup(task.Metadata.RepoDir, task.Metadata.WorktreePath, task.Metadata.Branch); err != nil {
			log.ErrorLog.Printf("cancel: failed to clean up worktree for task %d: %v", taskID, err)
		}
	}

	task.Status = store.TaskStatusCancelled
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to mark task %d cancelled: %w", taskID, err)
	}
	s.bus.Emit(ctx, "task.cancelled", map[string]any{"reason": "user_requested"}, "task", fmt.Sprint(taskID))
	return nil
}

// CleanupStaleWorktrees implements spec.md §4.5 step 7: every 10 beats,
// garbage-collect worktrees whose branch is not held by an active task.
func (s *Scheduler) CleanupStaleWorktrees(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("gc: failed to list projects: %w", err)
	}

	for _, project := range projects {
		if !project.HasGitRepo() {
			continue
		}

		active, err := s.activeBranchesFor(ctx, project.ID)
		if err != nil {
			log.ErrorLog.Printf("gc: failed to compute active branches for project %d: %v", project.ID, err)
			continue
		}

		if err := s.worktrees.CleanupStale(project.WorkingDir, active); err != nil {
			log.ErrorLog.Printf("gc: failed to clean up stale worktrees for project %d: %v", project.ID, err)
		}
	}

	return nil
}

func (s *Scheduler) activeBranchesFor(ctx context.Context, projectID int64) (map[string]bool, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: &projectID})
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool)
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Metadata.Branch != "" {
			active[t.Metadata.Branch] = true
		}
	}
	return active, nil
}
