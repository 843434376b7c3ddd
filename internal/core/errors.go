package core

import "errors"

// Sentinel errors shared by stores and lifecycle components.
var (
	// ErrNotFound signals that the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrProcessLaunch signals the worker process could not be started.
	// The dispatch attempt is fatal for the task; it is not retried.
	ErrProcessLaunch = errors.New("worker process launch failed")
	// ErrDuplicateRecord signals the (task, content hash) pair already
	// exists. Expected outcome of the dedup check, suppressed by callers.
	ErrDuplicateRecord = errors.New("duplicate result record")
	// ErrDuplicateFire signals a schedule fire window was already consumed.
	ErrDuplicateFire = errors.New("schedule fire already dispatched")
	// ErrTargetBusy signals a pending or running task already exists for
	// the target, so a new dispatch would violate mutual exclusion.
	ErrTargetBusy = errors.New("target already has an active task")
)
