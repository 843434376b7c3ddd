// Package core defines the domain types shared across the orchestration
// subsystems: tasks, schedules, ingested records, and the interfaces the
// scheduler, lifecycle manager, and reconciler depend on.
package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the tasks store. Transitions are monotonic:
// once a task reaches a terminal status it never reverts, except for the
// reconciler correcting a provably wrong terminal state.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskFinished  TaskStatus = "finished"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transition occurs from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TargetRef names the crawl target a schedule or task is bound to.
type TargetRef struct {
	Project string `json:"project"`
	Spider  string `json:"spider"`
}

// String renders the target as "project/spider" for logs and dedup keys.
func (t TargetRef) String() string {
	return t.Project + "/" + t.Spider
}

// Settings is the opaque settings bundle handed to the worker process.
type Settings map[string]string

// Task is a single execution instance of a crawl.
type Task struct {
	ID         uuid.UUID  `json:"id"`
	ScheduleID *uuid.UUID `json:"schedule_id,omitempty"`
	Target     TargetRef  `json:"target"`
	Status     TaskStatus `json:"status"`
	ItemCount  int64      `json:"item_count"`
	// RequestCount and ErrorCount are informational crawl statistics and
	// never drive completion decisions. Ingestion preserves them; a stats
	// reporting path from the worker can fill them without being clobbered.
	RequestCount int64      `json:"request_count"`
	ErrorCount   int64      `json:"error_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	OutputPath   string     `json:"output_path,omitempty"`
	Diagnostic   string     `json:"diagnostic,omitempty"`
}

// Schedule is a recurring job binding evaluated by the scheduler.
type Schedule struct {
	ID       uuid.UUID `json:"id"`
	CronExpr string    `json:"cron_expr"`
	Target   TargetRef `json:"target"`
	IsActive bool      `json:"is_active"`
	// LastRun is the most recent consumed fire time; zero until first fire.
	LastRun *time.Time `json:"last_run,omitempty"`
	// NextRun is the earliest cron-computed fire time at or after the last
	// evaluation instant. Mutated exclusively by the scheduler.
	NextRun  *time.Time `json:"next_run,omitempty"`
	Settings Settings   `json:"settings,omitempty"`
}

// ResultRecord is one ingested output item, owned by its task.
type ResultRecord struct {
	ID     uuid.UUID `json:"id"`
	TaskID uuid.UUID `json:"task_id"`
	// Payload is the raw structured value emitted by the worker.
	Payload json.RawMessage `json:"payload"`
	// ContentHash is a digest over the stable subset of payload fields;
	// (TaskID, ContentHash) is the ingestion idempotency key.
	ContentHash string    `json:"content_hash"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// TaskSpec carries everything needed to launch one worker process.
type TaskSpec struct {
	Target     TargetRef
	ScheduleID *uuid.UUID
	Settings   Settings
}

// TaskSnapshot combines persisted task state with live handle state, when a
// handle still exists for the task.
type TaskSnapshot struct {
	Task Task `json:"task"`
	// Live is true while the lifecycle manager holds a running handle.
	Live bool `json:"live"`
	// BytesIngested is the output-file offset already consumed, live only.
	BytesIngested int64 `json:"bytes_ingested,omitempty"`
	// LastActivity is the last time ingestion made progress, live only.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}
