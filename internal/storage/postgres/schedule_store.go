package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"spiderkeeper/internal/core"
)

// ScheduleStore implements core.ScheduleStore using Postgres.
type ScheduleStore struct {
	pool querier
}

// NewScheduleStore creates a ScheduleStore on an existing pool.
func NewScheduleStore(pool querier) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

const scheduleColumns = `id, cron_expr, project, spider, is_active, last_run, next_run, settings`

// CreateSchedule inserts a new schedule row.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, schedule core.Schedule) error {
	settings, err := marshalSettings(schedule.Settings)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO schedules (id, cron_expr, project, spider, is_active, last_run, next_run, settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err = s.pool.Exec(ctx, query,
		schedule.ID,
		schedule.CronExpr,
		schedule.Target.Project,
		schedule.Target.Spider,
		schedule.IsActive,
		schedule.LastRun,
		schedule.NextRun,
		settings,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a single schedule by its ID.
func (s *ScheduleStore) GetSchedule(ctx context.Context, id uuid.UUID) (core.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1;`
	return scanSchedule(s.pool.QueryRow(ctx, query, id))
}

// ListActiveSchedules returns every schedule with is_active=true.
func (s *ScheduleStore) ListActiveSchedules(ctx context.Context) ([]core.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE is_active ORDER BY id;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns schedules with pagination.
func (s *ScheduleStore) ListSchedules(ctx context.Context, limit, offset int) ([]core.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY id LIMIT $1 OFFSET $2;`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// UpdateSchedule replaces the mutable fields of a schedule row.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, schedule core.Schedule) error {
	settings, err := marshalSettings(schedule.Settings)
	if err != nil {
		return err
	}
	query := `
		UPDATE schedules
		SET cron_expr = $1, project = $2, spider = $3, is_active = $4, settings = $5
		WHERE id = $6;
	`
	res, err := s.pool.Exec(ctx, query,
		schedule.CronExpr,
		schedule.Target.Project,
		schedule.Target.Spider,
		schedule.IsActive,
		settings,
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// UpdateScheduleRuns persists last_run/next_run after a fire or drift
// correction. Nil arguments leave the stored value untouched.
func (s *ScheduleStore) UpdateScheduleRuns(ctx context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error {
	query := `
		UPDATE schedules
		SET last_run = COALESCE($1, last_run), next_run = COALESCE($2, next_run)
		WHERE id = $3;
	`
	res, err := s.pool.Exec(ctx, query, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("failed to update schedule runs: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule. Tasks keep their schedule_id as a
// historical back-reference; the FK is ON DELETE SET NULL.
func (s *ScheduleStore) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	res, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if res.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func marshalSettings(settings core.Settings) ([]byte, error) {
	if settings == nil {
		settings = core.Settings{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return data, nil
}

func scanSchedule(row pgx.Row) (core.Schedule, error) {
	var (
		schedule core.Schedule
		settings []byte
	)
	err := row.Scan(
		&schedule.ID,
		&schedule.CronExpr,
		&schedule.Target.Project,
		&schedule.Target.Spider,
		&schedule.IsActive,
		&schedule.LastRun,
		&schedule.NextRun,
		&settings,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Schedule{}, core.ErrNotFound
		}
		return core.Schedule{}, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &schedule.Settings); err != nil {
			return core.Schedule{}, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return schedule, nil
}

func scanSchedules(rows pgx.Rows) ([]core.Schedule, error) {
	var schedules []core.Schedule
	for rows.Next() {
		var (
			schedule core.Schedule
			settings []byte
		)
		err := rows.Scan(
			&schedule.ID,
			&schedule.CronExpr,
			&schedule.Target.Project,
			&schedule.Target.Spider,
			&schedule.IsActive,
			&schedule.LastRun,
			&schedule.NextRun,
			&settings,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &schedule.Settings); err != nil {
				return nil, fmt.Errorf("unmarshal settings: %w", err)
			}
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}
