package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spiderkeeper/internal/core"
)

// ScheduleStore is an in-memory core.ScheduleStore.
type ScheduleStore struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]core.Schedule
}

// NewScheduleStore constructs a ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{schedules: make(map[uuid.UUID]core.Schedule)}
}

// CreateSchedule stores a new schedule.
func (s *ScheduleStore) CreateSchedule(_ context.Context, schedule core.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[schedule.ID] = schedule
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *ScheduleStore) GetSchedule(_ context.Context, id uuid.UUID) (core.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[id]
	if !ok {
		return core.Schedule{}, core.ErrNotFound
	}
	return schedule, nil
}

// ListActiveSchedules returns every active schedule.
func (s *ScheduleStore) ListActiveSchedules(_ context.Context) ([]core.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Schedule
	for _, schedule := range s.schedules {
		if schedule.IsActive {
			out = append(out, schedule)
		}
	}
	sortSchedules(out)
	return out, nil
}

// ListSchedules returns all schedules with pagination.
func (s *ScheduleStore) ListSchedules(_ context.Context, limit, offset int) ([]core.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule)
	}
	sortSchedules(out)
	return paginate(out, limit, offset), nil
}

// UpdateSchedule replaces a schedule row.
func (s *ScheduleStore) UpdateSchedule(_ context.Context, schedule core.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[schedule.ID]; !ok {
		return core.ErrNotFound
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

// UpdateScheduleRuns persists last_run/next_run only.
func (s *ScheduleStore) UpdateScheduleRuns(_ context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[id]
	if !ok {
		return core.ErrNotFound
	}
	if lastRun != nil {
		v := *lastRun
		schedule.LastRun = &v
	}
	if nextRun != nil {
		v := *nextRun
		schedule.NextRun = &v
	}
	s.schedules[id] = schedule
	return nil
}

// DeleteSchedule removes a schedule.
func (s *ScheduleStore) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func sortSchedules(schedules []core.Schedule) {
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].ID.String() < schedules[j].ID.String()
	})
}
