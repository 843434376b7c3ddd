package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"spiderkeeper/internal/core"
)

// TaskStore implements core.TaskStore using Postgres.
type TaskStore struct {
	pool querier
}

// NewTaskStore creates a TaskStore on an existing pool.
func NewTaskStore(pool querier) *TaskStore {
	return &TaskStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *TaskStore) Close() {
	s.pool.Close()
}

const taskColumns = `id, schedule_id, project, spider, status, item_count, request_count, error_count, created_at, started_at, finished_at, output_path, diagnostic`

// CreateTask inserts a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, task core.Task) error {
	query := `
		INSERT INTO tasks (id, schedule_id, project, spider, status, item_count, request_count, error_count, created_at, output_path, diagnostic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.ScheduleID,
		task.Target.Project,
		task.Target.Spider,
		task.Status,
		task.ItemCount,
		task.RequestCount,
		task.ErrorCount,
		task.CreatedAt,
		task.OutputPath,
		task.Diagnostic,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a single task by its ID.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	return s.scanTask(s.pool.QueryRow(ctx, query, id))
}

// ListTasks retrieves tasks with optional status filtering, newest first.
func (s *TaskStore) ListTasks(ctx context.Context, status *core.TaskStatus, limit, offset int) ([]core.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return s.scanTasks(rows)
}

// UpdateTaskStatus transitions a task; terminal statuses also set finished_at.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status core.TaskStatus, diagnostic string, at time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1,
			diagnostic = $2,
			finished_at = CASE WHEN $3 THEN $4 ELSE finished_at END
		WHERE id = $5;
	`
	res, err := s.pool.Exec(ctx, query, status, diagnostic, status.Terminal(), at, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkTaskStarted moves a pending task to running with its start time.
func (s *TaskStore) MarkTaskStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1, started_at = $2
		WHERE id = $3;
	`
	res, err := s.pool.Exec(ctx, query, core.TaskRunning, startedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark task started: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// UpdateTaskCounts refreshes the aggregate statistics for a task; a
// negative value keeps the stored counter.
func (s *TaskStore) UpdateTaskCounts(ctx context.Context, id uuid.UUID, items, requests, errCount int64) error {
	query := `
		UPDATE tasks
		SET item_count    = CASE WHEN $1 < 0 THEN item_count ELSE $1 END,
		    request_count = CASE WHEN $2 < 0 THEN request_count ELSE $2 END,
		    error_count   = CASE WHEN $3 < 0 THEN error_count ELSE $3 END
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, items, requests, errCount, id)
	if err != nil {
		return fmt.Errorf("failed to update task counts: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ActiveTaskForTarget returns the pending/running task for a target.
func (s *TaskStore) ActiveTaskForTarget(ctx context.Context, target core.TargetRef) (core.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE project = $1 AND spider = $2 AND status IN ($3, $4)
		LIMIT 1;
	`
	return s.scanTask(s.pool.QueryRow(ctx, query, target.Project, target.Spider, core.TaskPending, core.TaskRunning))
}

// FindByScheduleFire returns the task dispatched for a schedule fire window.
func (s *TaskStore) FindByScheduleFire(ctx context.Context, scheduleID uuid.UUID, windowStart, windowEnd time.Time) (core.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE schedule_id = $1 AND created_at >= $2 AND created_at < $3
		LIMIT 1;
	`
	return s.scanTask(s.pool.QueryRow(ctx, query, scheduleID, windowStart, windowEnd))
}

// ListFinishedSince returns terminal tasks finished at or after the cutoff.
func (s *TaskStore) ListFinishedSince(ctx context.Context, cutoff time.Time) ([]core.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2, $3) AND finished_at >= $4
		ORDER BY finished_at ASC;
	`
	rows, err := s.pool.Query(ctx, query, core.TaskFinished, core.TaskFailed, core.TaskCancelled, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list finished tasks: %w", err)
	}
	defer rows.Close()
	return s.scanTasks(rows)
}

// DeleteTask removes a task; result_records cascade via the FK.
func (s *TaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *TaskStore) scanTask(row pgx.Row) (core.Task, error) {
	var task core.Task
	err := row.Scan(
		&task.ID,
		&task.ScheduleID,
		&task.Target.Project,
		&task.Target.Spider,
		&task.Status,
		&task.ItemCount,
		&task.RequestCount,
		&task.ErrorCount,
		&task.CreatedAt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.OutputPath,
		&task.Diagnostic,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Task{}, core.ErrNotFound
		}
		return core.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

func (s *TaskStore) scanTasks(rows pgx.Rows) ([]core.Task, error) {
	var tasks []core.Task
	for rows.Next() {
		var task core.Task
		err := rows.Scan(
			&task.ID,
			&task.ScheduleID,
			&task.Target.Project,
			&task.Target.Spider,
			&task.Status,
			&task.ItemCount,
			&task.RequestCount,
			&task.ErrorCount,
			&task.CreatedAt,
			&task.StartedAt,
			&task.FinishedAt,
			&task.OutputPath,
			&task.Diagnostic,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
