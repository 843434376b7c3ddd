package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"spiderkeeper/internal/core"
)

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	now := time.Unix(1700000000, 0).UTC()
	task := core.Task{
		ID:        uuid.New(),
		Target:    core.TargetRef{Project: "shop", Spider: "products"},
		Status:    core.TaskPending,
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			task.ID,
			task.ScheduleID,
			"shop",
			"products",
			core.TaskPending,
			int64(0),
			int64(0),
			int64(0),
			now,
			"",
			"",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskMapsNoRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "schedule_id", "project", "spider", "status",
			"item_count", "request_count", "error_count",
			"created_at", "started_at", "finished_at", "output_path", "diagnostic",
		}))

	_, err = store.GetTask(context.Background(), id)
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusTerminalSetsFinishedAt(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	id := uuid.New()
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE tasks").
		WithArgs(core.TaskFinished, "done", true, at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateTaskStatus(context.Background(), id, core.TaskFinished, "done", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	id := uuid.New()
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE tasks").
		WithArgs(core.TaskFailed, "gone", true, at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateTaskStatus(context.Background(), id, core.TaskFailed, "gone", at)
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskCountsPassesSentinels(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	id := uuid.New()

	// Negative request/error counts reach the CASE guards unchanged so the
	// stored columns survive an item-count-only refresh.
	mock.ExpectExec("UPDATE tasks").
		WithArgs(int64(5), int64(-1), int64(-1), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateTaskCounts(context.Background(), id, 5, -1, -1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveTaskForTargetScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs("shop", "products", core.TaskPending, core.TaskRunning).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "schedule_id", "project", "spider", "status",
			"item_count", "request_count", "error_count",
			"created_at", "started_at", "finished_at", "output_path", "diagnostic",
		}).AddRow(
			id, (*uuid.UUID)(nil), "shop", "products", core.TaskRunning,
			int64(3), int64(10), int64(0),
			now, &now, (*time.Time)(nil), "/tmp/out.jsonl", "",
		))

	task, err := store.ActiveTaskForTarget(context.Background(), core.TargetRef{Project: "shop", Spider: "products"})
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	require.Equal(t, core.TaskRunning, task.Status)
	require.Equal(t, int64(3), task.ItemCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
