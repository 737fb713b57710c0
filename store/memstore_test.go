package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndUpdateTask(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	created, err := s.CreateTask(ctx, &Task{Title: "Add README"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, TaskStatusPending, created.Status)

	created.Title = "Add README.md"
	require.NoError(t, s.UpdateTask(ctx, created))

	fetched, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Add README.md", fetched.Title)
}

func TestGetActiveUnassessedExcludesAssessedAndInactive(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	active, err := s.CreateTask(ctx, &Task{Title: "active", Metadata: TaskMetadata{Active: true}})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, &Task{Title: "inactive", Metadata: TaskMetadata{Active: false}})
	require.NoError(t, err)

	assessed, err := s.CreateTask(ctx, &Task{Title: "assessed", Metadata: TaskMetadata{Active: true}})
	require.NoError(t, err)
	complexity := ComplexitySimple
	assessed.Complexity = &complexity
	require.NoError(t, s.UpdateTask(ctx, assessed))

	unassessed, err := s.GetActiveUnassessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unassessed, 1)
	assert.Equal(t, active.ID, unassessed[0].ID)
}

func TestListTasksOrdersByPositionThenPriority(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, _ = s.CreateTask(ctx, &Task{Title: "b", Position: 1, Priority: 5})
	_, _ = s.CreateTask(ctx, &Task{Title: "a", Position: 1, Priority: 10})
	_, _ = s.CreateTask(ctx, &Task{Title: "c", Position: 0, Priority: 1})

	tasks, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "c", tasks[0].Title)
	assert.Equal(t, "a", tasks[1].Title)
	assert.Equal(t, "b", tasks[2].Title)
}

func TestGetLatestCommentsReturnsNewestPerTask(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, &Task{Title: "t"})
	_, err := s.CreateComment(ctx, &Comment{TaskID: task.ID, Content: "first", Author: CommentAuthorSystem})
	require.NoError(t, err)
	_, err = s.CreateComment(ctx, &Comment{TaskID: task.ID, Content: "second", Author: CommentAuthorUser})
	require.NoError(t, err)

	latest, err := s.GetLatestComments(ctx, []int64{task.ID})
	require.NoError(t, err)
	require.Contains(t, latest, task.ID)
	assert.Equal(t, "second", latest[task.ID].Content)
}

func TestRateLimitStatusUpsert(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	status, err := s.GetRateLimitStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, status)

	require.NoError(t, s.UpdateRateLimitStatus(ctx, &RateLimitStatus{IsLimited: true}))

	status, err = s.GetRateLimitStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.IsLimited)
	assert.False(t, status.LastUpdated.IsZero())
}

func TestNewTaskStatusRejectsUnknownValues(t *testing.T) {
	_, err := NewTaskStatus("bogus")
	assert.Error(t, err)

	valid, err := NewTaskStatus("executing")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusExecuting, valid)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusExecuting.Terminal())
}
