// Package store defines the data model and the persistence interface the
// scheduling engine depends on. The engine never assumes a particular
// database: production deployments back Store with a transactional
// key/value-structured store (out of scope here, per SPEC_FULL.md §1);
// this package also ships an in-memory implementation for tests and
// standalone operation.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is a closed set of task lifecycle states. Values are kept as
// their spec-stable strings for store and wire compatibility.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusAssessing      TaskStatus = "assessing"
	TaskStatusExecuting      TaskStatus = "executing"
	TaskStatusDecomposed     TaskStatus = "decomposed"
	TaskStatusReadyForReview TaskStatus = "ready_for_review"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusCancelled      TaskStatus = "cancelled"
)

// NewTaskStatus validates a raw string against the closed set. The
// "assessing" value is accepted even though the current assess phase never
// assigns it (spec.md §9 open question, resolved in DESIGN.md): the engine
// keeps tasks pending while being assessed, but a direct write of
// "assessing" is not rejected.
func NewTaskStatus(raw string) (TaskStatus, error) {
	switch TaskStatus(raw) {
	case TaskStatusPending, TaskStatusAssessing, TaskStatusExecuting, TaskStatusDecomposed,
		TaskStatusReadyForReview, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return TaskStatus(raw), nil
	default:
		return "", fmt.Errorf("invalid task status %q", raw)
	}
}

// Terminal reports whether the status never transitions away on its own.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Complexity is the assessed triage bucket for a task.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

func NewComplexity(raw string) (Complexity, error) {
	switch Complexity(raw) {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return Complexity(raw), nil
	default:
		return "", fmt.Errorf("invalid complexity %q", raw)
	}
}

// SessionStatus is a closed set of session lifecycle states.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

func NewSessionStatus(raw string) (SessionStatus, error) {
	switch SessionStatus(raw) {
	case SessionStatusCreated, SessionStatusRunning, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusCancelled:
		return SessionStatus(raw), nil
	default:
		return "", fmt.Errorf("invalid session status %q", raw)
	}
}

func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// CommentAuthor distinguishes a user-authored comment from one the engine
// wrote itself (an assessment observation or a review summary).
type CommentAuthor string

const (
	CommentAuthorUser   CommentAuthor = "user"
	CommentAuthorSystem CommentAuthor = "system"
)

func NewCommentAuthor(raw string) (CommentAuthor, error) {
	switch CommentAuthor(raw) {
	case CommentAuthorUser, CommentAuthorSystem:
		return CommentAuthor(raw), nil
	default:
		return "", fmt.Errorf("invalid comment author %q", raw)
	}
}

// TaskMetadata models the task metadata map as explicit, known fields plus
// an Extra bag for forward-compatible keys, per spec.md §9's design note.
type TaskMetadata struct {
	Active               bool            `json:"active"`
	Assessment           *Assessment     `json:"assessment,omitempty"`
	Branch               string          `json:"branch,omitempty"`
	WorktreePath         string          `json:"worktree_path,omitempty"`
	RepoDir              string          `json:"repo_dir,omitempty"`
	RetryCount           int             `json:"retry_count,omitempty"`
	Error                string          `json:"error,omitempty"`
	LastFailure          *time.Time      `json:"last_failure,omitempty"`
	DecomposeOnHeartbeat bool            `json:"decompose_on_heartbeat,omitempty"`
	DecomposedInto       []int64         `json:"decomposed_into,omitempty"`
	PRURL                string          `json:"pr_url,omitempty"`
	CancelledReason      string          `json:"cancelled_reason,omitempty"`
	Extra                map[string]any  `json:"extra,omitempty"`
}

// Assessment is the LLM-produced triage recorded on a task's metadata.
type Assessment struct {
	Reasoning       string   `json:"reasoning"`
	Subtasks        []string `json:"subtasks,omitempty"`
	ShouldDecompose bool     `json:"should_decompose"`
}

// AssessmentResult is the full structured response the assessment client
// parses out of the LLM for a single task, before it is folded into the
// task's fields and TaskMetadata.Assessment.
type AssessmentResult struct {
	Complexity       Complexity
	RecommendedModel string
	ShouldDecompose  bool
	Subtasks         []string
	Reasoning        string
	Comment          *string
}

// Task is a unit of queued coding work.
type Task struct {
	ID                int64
	UUID              uuid.UUID
	Title             string
	Description       string
	Status            TaskStatus
	Priority          int
	Position          int
	ParentTaskID      *int64
	ProjectID         *int64
	Complexity        *Complexity
	RecommendedModel  string
	ActiveSessionID   *int64
	Metadata          TaskMetadata
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Session is one agent-CLI invocation for a task.
type Session struct {
	ID               int64
	UUID             uuid.UUID
	TaskID           int64
	WorkingDirectory string
	Model            string
	Status           SessionStatus
	TurnCount        int
	StdoutPath       string
	StderrPath       string
	PID              int
	ExitCode         *int
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Comment is an annotation on a task.
type Comment struct {
	ID        int64
	UUID      uuid.UUID
	TaskID    int64
	Content   string
	Author    CommentAuthor
	CreatedAt time.Time
}

// Event is a persistent record of a state change, delivered on the bus and
// durably stored for audit.
type Event struct {
	ID         int64
	UUID       uuid.UUID
	EventType  string
	EntityType string
	EntityID   string
	Payload    map[string]any
	Timestamp  time.Time
}

// Project is a git repository context tasks execute against.
type Project struct {
	ID            int64
	UUID          uuid.UUID
	Name          string
	WorkingDir    string
	RemoteRepo    string // "owner/repo"
	DefaultBranch string
	Summary       string
	FileMap       map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasGitRepo reports whether the project is backed by a git remote, which
// gates worktree-based execution vs. the default working directory.
func (p *Project) HasGitRepo() bool {
	return p != nil && p.RemoteRepo != ""
}

// RateLimitStatus is the single cached row describing agent-CLI quota.
type RateLimitStatus struct {
	Tier          string
	MessagesUsed  int
	MessagesLimit int
	PercentUsed   float64
	IsLimited     bool
	ResetAt       *time.Time
	LastUpdated   time.Time
}
