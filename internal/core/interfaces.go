package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStore persists tasks and their aggregate statistics.
type TaskStore interface {
	// CreateTask inserts a new task row.
	CreateTask(ctx context.Context, task Task) error
	// GetTask loads a task or returns ErrNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	// ListTasks returns tasks filtered by optional status, newest first.
	ListTasks(ctx context.Context, status *TaskStatus, limit, offset int) ([]Task, error)
	// UpdateTaskStatus transitions a task and records the diagnostic.
	// Finished/failed/cancelled transitions set finished_at.
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status TaskStatus, diagnostic string, at time.Time) error
	// MarkTaskStarted moves a pending task to running with its start time.
	MarkTaskStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// UpdateTaskCounts refreshes the aggregate statistics for a task. A
	// negative value leaves that counter unchanged, so writers owning only
	// one statistic do not clobber the others.
	UpdateTaskCounts(ctx context.Context, id uuid.UUID, items, requests, errors int64) error
	// ActiveTaskForTarget returns the pending or running task bound to the
	// target, or ErrNotFound when the target is idle.
	ActiveTaskForTarget(ctx context.Context, target TargetRef) (Task, error)
	// FindByScheduleFire returns the task dispatched for a schedule within
	// the given fire window, or ErrNotFound. This is the authoritative
	// half of the scheduler's dedup check; it survives restarts.
	FindByScheduleFire(ctx context.Context, scheduleID uuid.UUID, windowStart, windowEnd time.Time) (Task, error)
	// ListFinishedSince returns tasks that reached a terminal status at or
	// after the cutoff, for the reconciler's trailing window.
	ListFinishedSince(ctx context.Context, cutoff time.Time) ([]Task, error)
	// DeleteTask removes a task; owned result records cascade.
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// ScheduleStore persists recurring job bindings.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (Schedule, error)
	// ListActiveSchedules returns every schedule with is_active=true.
	ListActiveSchedules(ctx context.Context) ([]Schedule, error)
	ListSchedules(ctx context.Context, limit, offset int) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, schedule Schedule) error
	// UpdateScheduleRuns persists last_run/next_run after a fire or a
	// drift correction without touching the rest of the row.
	UpdateScheduleRuns(ctx context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
}

// ResultStore persists deduplicated ingestion output.
type ResultStore interface {
	// InsertRecords inserts a batch; rows whose (task, content hash) pair
	// already exists are skipped. Returns the number actually inserted.
	InsertRecords(ctx context.Context, records []ResultRecord) (int64, error)
	// InsertRecord inserts one record, returning ErrDuplicateRecord when
	// the idempotency key already exists.
	InsertRecord(ctx context.Context, record ResultRecord) error
	// CountRecords returns the persisted record count for a task.
	CountRecords(ctx context.Context, taskID uuid.UUID) (int64, error)
	// ListRecords returns a task's records, newest first.
	ListRecords(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]ResultRecord, error)
}

// Clock abstracts time for schedulers and grace-wait logic.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints unique task and record identifiers.
type IDGenerator interface {
	NewID() uuid.UUID
}

// Notifier pushes fire-and-forget progress updates toward observers.
// Implementations must never block the orchestration path.
type Notifier interface {
	Notify(taskID uuid.UUID, payload map[string]any)
}
