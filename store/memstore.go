package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store implementation. It is safe for concurrent
// use and exists for tests and standalone operation (the production store
// is an out-of-scope external collaborator, per SPEC_FULL.md §1). It
// follows the teacher's JSON-file Storage{state} wrapper idiom
// (session/storage.go) minus the disk round-trip: state lives in maps
// guarded by a single mutex. Updates replace the stored record wholesale with
// the value passed in: UpdateTask does not merge metadata fields with what is
// already stored, so a caller writes back the whole task it read.
type Memory struct {
	mu sync.Mutex

	tasks        map[int64]*Task
	sessions     map[int64]*Session
	comments     map[int64]*Comment
	events       map[int64]*Event
	projects     map[int64]*Project
	rateLimit    *RateLimitStatus

	nextTaskID    int64
	nextSessionID int64
	nextCommentID int64
	nextEventID   int64
	nextProjectID int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[int64]*Task),
		sessions: make(map[int64]*Session),
		comments: make(map[int64]*Comment),
		events:   make(map[int64]*Event),
		projects: make(map[int64]*Project),
	}
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (m *Memory) CreateTask(_ context.Context, t *Task) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTaskID++
	t.ID = m.nextTaskID
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = cloneTask(t)
	return cloneTask(t), nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.ParentID != nil && (t.ParentTaskID == nil || *t.ParentTaskID != *filter.ParentID) {
			continue
		}
		if filter.ProjectID != nil && (t.ProjectID == nil || *t.ProjectID != *filter.ProjectID) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasksByPositionThenPriority(out)
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *Memory) GetSubtasks(_ context.Context, parentID int64) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			out = append(out, cloneTask(t))
		}
	}
	sortTasksByPositionThenPriority(out)
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %d not found", t.ID)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) ReorderTasks(_ context.Context, positions map[int64]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, pos := range positions {
		t, ok := m.tasks[id]
		if !ok {
			return fmt.Errorf("task %d not found", id)
		}
		t.Position = pos
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) GetActiveUnassessed(_ context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == TaskStatusPending && t.Metadata.Active && t.Complexity == nil {
			out = append(out, cloneTask(t))
		}
	}
	sortTasksByPositionThenPriority(out)
	return paginate(out, limit, 0), nil
}

func (m *Memory) GetNextAssessed(_ context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == TaskStatusPending && t.Metadata.Active && t.Complexity != nil {
			out = append(out, cloneTask(t))
		}
	}
	sortTasksByPositionThenPriority(out)
	return paginate(out, limit, 0), nil
}

func (m *Memory) TaskExists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok, nil
}

func (m *Memory) CreateSession(_ context.Context, s *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSessionID++
	s.ID = m.nextSessionID
	if s.UUID == uuid.Nil {
		s.UUID = uuid.New()
	}
	s.CreatedAt = time.Now()
	cp := *s
	m.sessions[s.ID] = &cp
	out := *s
	return &out, nil
}

func (m *Memory) GetSession(_ context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSessions(_ context.Context, taskID int64) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.TaskID == taskID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %d not found", s.ID)
	}
	s.CreatedAt = existing.CreatedAt
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) CreateComment(_ context.Context, c *Comment) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCommentID++
	c.ID = m.nextCommentID
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.comments[c.ID] = &cp
	out := *c
	return &out, nil
}

func (m *Memory) ListComments(_ context.Context, taskID int64) ([]*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Comment
	for _, c := range m.comments {
		if c.TaskID == taskID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetLatestComments(_ context.Context, taskIDs []int64) (map[int64]*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}

	latest := make(map[int64]*Comment)
	for _, c := range m.comments {
		if !wanted[c.TaskID] {
			continue
		}
		if cur, ok := latest[c.TaskID]; !ok || c.CreatedAt.After(cur.CreatedAt) {
			cp := *c
			latest[c.TaskID] = &cp
		}
	}
	return latest, nil
}

func (m *Memory) CreateEvent(_ context.Context, e *Event) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	e.ID = m.nextEventID
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	cp := *e
	m.events[e.ID] = &cp
	out := *e
	return &out, nil
}

func (m *Memory) ListEvents(_ context.Context, entityType, entityID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Event
	for _, e := range m.events {
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, limit, 0), nil
}

func (m *Memory) GetRateLimitStatus(_ context.Context) (*RateLimitStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rateLimit == nil {
		return nil, nil
	}
	cp := *m.rateLimit
	return &cp, nil
}

func (m *Memory) UpdateRateLimitStatus(_ context.Context, s *RateLimitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.LastUpdated = time.Now()
	m.rateLimit = &cp
	return nil
}

func (m *Memory) CreateProject(_ context.Context, p *Project) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextProjectID++
	p.ID = m.nextProjectID
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	m.projects[p.ID] = &cp
	out := *p
	return &out, nil
}

func (m *Memory) GetProject(_ context.Context, id int64) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetProjectByName(_ context.Context, name string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.projects {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("project %q not found", name)
}

func (m *Memory) ListProjects(_ context.Context) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Project
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateProject(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.projects[p.ID]
	if !ok {
		return fmt.Errorf("project %d not found", p.ID)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func sortTasksByPositionThenPriority(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].Priority > tasks[j].Priority
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
