package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"spiderkeeper/internal/core"
)

func newTask(target core.TargetRef, status core.TaskStatus) core.Task {
	return core.Task{
		ID:        uuid.New(),
		Target:    target,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

// TestTaskStoreLifecycle covers create/start/terminal transitions.
func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore(nil)
	task := newTask(core.TargetRef{Project: "shop", Spider: "products"}, core.TaskPending)

	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.MarkTaskStarted(ctx, task.ID, time.Now().UTC()))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, store.UpdateTaskStatus(ctx, task.ID, core.TaskFinished, "", time.Now().UTC()))
	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, got.Status.Terminal())
	require.NotNil(t, got.FinishedAt)
}

// TestActiveTaskForTarget enforces the idle/busy distinction.
func TestActiveTaskForTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore(nil)
	target := core.TargetRef{Project: "shop", Spider: "products"}

	_, err := store.ActiveTaskForTarget(ctx, target)
	require.ErrorIs(t, err, core.ErrNotFound)

	running := newTask(target, core.TaskRunning)
	require.NoError(t, store.CreateTask(ctx, running))

	got, err := store.ActiveTaskForTarget(ctx, target)
	require.NoError(t, err)
	require.Equal(t, running.ID, got.ID)

	require.NoError(t, store.UpdateTaskStatus(ctx, running.ID, core.TaskFailed, "boom", time.Now().UTC()))
	_, err = store.ActiveTaskForTarget(ctx, target)
	require.ErrorIs(t, err, core.ErrNotFound)
}

// TestFindByScheduleFire matches only tasks created inside the window.
func TestFindByScheduleFire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore(nil)
	scheduleID := uuid.New()
	fire := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

	task := newTask(core.TargetRef{Project: "shop", Spider: "products"}, core.TaskPending)
	task.ScheduleID = &scheduleID
	task.CreatedAt = fire.Add(10 * time.Second)
	require.NoError(t, store.CreateTask(ctx, task))

	got, err := store.FindByScheduleFire(ctx, scheduleID, fire, fire.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)

	_, err = store.FindByScheduleFire(ctx, scheduleID, fire.Add(time.Minute), fire.Add(2*time.Minute))
	require.ErrorIs(t, err, core.ErrNotFound)
}

// TestResultStoreDedup enforces the (task, content hash) idempotency key.
func TestResultStoreDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewResultStore()
	taskID := uuid.New()

	batch := []core.ResultRecord{
		{ID: uuid.New(), TaskID: taskID, Payload: []byte(`{"url":"a"}`), ContentHash: "h1"},
		{ID: uuid.New(), TaskID: taskID, Payload: []byte(`{"url":"b"}`), ContentHash: "h2"},
		{ID: uuid.New(), TaskID: taskID, Payload: []byte(`{"url":"a"}`), ContentHash: "h1"},
	}
	inserted, err := store.InsertRecords(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, int64(2), inserted)

	err = store.InsertRecord(ctx, core.ResultRecord{ID: uuid.New(), TaskID: taskID, ContentHash: "h2"})
	require.ErrorIs(t, err, core.ErrDuplicateRecord)

	count, err := store.CountRecords(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

// TestTaskDeleteCascades removes owned records with the task.
func TestTaskDeleteCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	results := NewResultStore()
	store := NewTaskStore(results)

	task := newTask(core.TargetRef{Project: "shop", Spider: "products"}, core.TaskFinished)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, results.InsertRecord(ctx, core.ResultRecord{ID: uuid.New(), TaskID: task.ID, ContentHash: "h1"}))

	require.NoError(t, store.DeleteTask(ctx, task.ID))
	count, err := results.CountRecords(ctx, task.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	// Hash becomes insertable again once the owning task is gone.
	require.NoError(t, results.InsertRecord(ctx, core.ResultRecord{ID: uuid.New(), TaskID: task.ID, ContentHash: "h1"}))
}

// TestScheduleStoreRuns verifies partial last/next run updates.
func TestScheduleStoreRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScheduleStore()
	schedule := core.Schedule{
		ID:       uuid.New(),
		CronExpr: "*/5 * * * *",
		Target:   core.TargetRef{Project: "shop", Spider: "products"},
		IsActive: true,
	}
	require.NoError(t, store.CreateSchedule(ctx, schedule))

	next := time.Now().UTC().Add(5 * time.Minute)
	require.NoError(t, store.UpdateScheduleRuns(ctx, schedule.ID, nil, &next))

	got, err := store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	require.True(t, got.NextRun.Equal(next))

	active, err := store.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}
