package store

import "context"

// TaskFilter narrows a task listing. Zero values mean "no filter" except
// where noted.
type TaskFilter struct {
	Status    *TaskStatus
	ParentID  *int64
	ProjectID *int64
	Limit     int
	Offset    int
}

// Store is the persistence contract the scheduling engine depends on. It is
// implemented by an external transactional store in production (out of
// scope per SPEC_FULL.md §1) and by Memory here for tests and standalone
// operation.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t *Task) (*Task, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	GetSubtasks(ctx context.Context, parentID int64) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	ReorderTasks(ctx context.Context, positions map[int64]int) error
	// GetActiveUnassessed returns pending, active tasks with no assessed
	// complexity, ordered by position ASC, priority DESC.
	GetActiveUnassessed(ctx context.Context, limit int) ([]*Task, error)
	// GetNextAssessed returns pending, active, assessed tasks in the same
	// order, for the execute phase to fill free slots from.
	GetNextAssessed(ctx context.Context, limit int) ([]*Task, error)
	TaskExists(ctx context.Context, id int64) (bool, error)

	// Sessions.
	CreateSession(ctx context.Context, s *Session) (*Session, error)
	GetSession(ctx context.Context, id int64) (*Session, error)
	ListSessions(ctx context.Context, taskID int64) ([]*Session, error)
	UpdateSession(ctx context.Context, s *Session) error

	// Comments.
	CreateComment(ctx context.Context, c *Comment) (*Comment, error)
	ListComments(ctx context.Context, taskID int64) ([]*Comment, error)
	// GetLatestComments returns, in one call, the newest comment per task id
	// for every id supplied (tasks with no comments are absent from the map).
	GetLatestComments(ctx context.Context, taskIDs []int64) (map[int64]*Comment, error)

	// Events.
	CreateEvent(ctx context.Context, e *Event) (*Event, error)
	ListEvents(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error)

	// Rate limit.
	GetRateLimitStatus(ctx context.Context) (*RateLimitStatus, error)
	UpdateRateLimitStatus(ctx context.Context, s *RateLimitStatus) error

	// Projects.
	CreateProject(ctx context.Context, p *Project) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
}
