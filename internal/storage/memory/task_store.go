// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spiderkeeper/internal/core"
)

// TaskStore is an in-memory core.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]core.Task

	results *ResultStore
}

// NewTaskStore constructs a TaskStore. The optional ResultStore enables
// cascade deletion of owned records.
func NewTaskStore(results *ResultStore) *TaskStore {
	return &TaskStore{
		tasks:   make(map[uuid.UUID]core.Task),
		results: results,
	}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id uuid.UUID) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	return task, nil
}

// ListTasks returns tasks filtered by optional status, newest first.
func (s *TaskStore) ListTasks(_ context.Context, status *core.TaskStatus, limit, offset int) ([]core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Task
	for _, task := range s.tasks {
		if status != nil && task.Status != *status {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

// UpdateTaskStatus transitions a task and records the diagnostic.
func (s *TaskStore) UpdateTaskStatus(_ context.Context, id uuid.UUID, status core.TaskStatus, diagnostic string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	task.Status = status
	task.Diagnostic = diagnostic
	if status.Terminal() {
		finished := at
		task.FinishedAt = &finished
	}
	s.tasks[id] = task
	return nil
}

// MarkTaskStarted moves a pending task to running.
func (s *TaskStore) MarkTaskStarted(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	task.Status = core.TaskRunning
	started := startedAt
	task.StartedAt = &started
	s.tasks[id] = task
	return nil
}

// UpdateTaskCounts refreshes aggregate statistics; negative values keep
// the stored counter.
func (s *TaskStore) UpdateTaskCounts(_ context.Context, id uuid.UUID, items, requests, errCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	if items >= 0 {
		task.ItemCount = items
	}
	if requests >= 0 {
		task.RequestCount = requests
	}
	if errCount >= 0 {
		task.ErrorCount = errCount
	}
	s.tasks[id] = task
	return nil
}

// ActiveTaskForTarget returns the pending/running task for a target.
func (s *TaskStore) ActiveTaskForTarget(_ context.Context, target core.TargetRef) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.Target == target && (task.Status == core.TaskPending || task.Status == core.TaskRunning) {
			return task, nil
		}
	}
	return core.Task{}, core.ErrNotFound
}

// FindByScheduleFire returns the task created for a schedule fire window.
func (s *TaskStore) FindByScheduleFire(_ context.Context, scheduleID uuid.UUID, windowStart, windowEnd time.Time) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.ScheduleID == nil || *task.ScheduleID != scheduleID {
			continue
		}
		if task.CreatedAt.Before(windowStart) || !task.CreatedAt.Before(windowEnd) {
			continue
		}
		return task, nil
	}
	return core.Task{}, core.ErrNotFound
}

// ListFinishedSince returns terminal tasks finished at or after the cutoff.
func (s *TaskStore) ListFinishedSince(_ context.Context, cutoff time.Time) ([]core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Task
	for _, task := range s.tasks {
		if !task.Status.Terminal() || task.FinishedAt == nil {
			continue
		}
		if task.FinishedAt.Before(cutoff) {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(*out[j].FinishedAt) })
	return out, nil
}

// DeleteTask removes a task and cascades to its records.
func (s *TaskStore) DeleteTask(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.tasks, id)
	if s.results != nil {
		s.results.dropTask(id)
	}
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
