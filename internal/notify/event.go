// Package notify fans task lifecycle updates out to observers without
// ever blocking the orchestration path.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageTaskStarted  Stage = "TASK_STARTED"
	StageTaskProgress Stage = "TASK_PROGRESS"
	StageTaskTerminal Stage = "TASK_TERMINAL"
)

// Event is one lifecycle update for a task.
type Event struct {
	// TaskID identifies the task run.
	TaskID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status carries the task status at the time of the event.
	Status string
	// ItemCount is the number of records ingested so far.
	ItemCount int64
	// Detail holds low-volume extra context (diagnostics, counters).
	Detail map[string]any
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.TaskID == uuid.Nil {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStarted, StageTaskProgress, StageTaskTerminal:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
