// Package scheduler turns cron-bound schedules into dispatched tasks. It
// is tick driven rather than timer driven so restarts and clock drift are
// absorbed by re-reading persisted next-run times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/metrics"
)

// Dispatcher launches a task for a schedule fire. The lifecycle manager
// satisfies this.
type Dispatcher interface {
	Start(ctx context.Context, spec core.TaskSpec) (core.Task, error)
}

// Config controls tick cadence and missed-fire policy.
type Config struct {
	// Tick is the poll interval (default 5s).
	Tick time.Duration
	// GraceWindow is the maximum lateness for which a missed fire is still
	// dispatched (default 30m). Older fires are skipped.
	GraceWindow time.Duration
	// MaxBackfillFires caps how many missed fires one tick may dispatch
	// for a single schedule (default 5).
	MaxBackfillFires int
	// BackfillPacing spaces out backfill dispatches (default 500ms).
	BackfillPacing time.Duration
	// DedupRetain is how long in-memory fire keys are kept (default 1h).
	DedupRetain time.Duration
	// DriftTolerance is how far a stored future next-run may disagree with
	// the cron recomputation before it is overwritten (default 1m).
	DriftTolerance time.Duration
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 30 * time.Minute
	}
	if c.MaxBackfillFires <= 0 {
		c.MaxBackfillFires = 5
	}
	if c.BackfillPacing < 0 {
		c.BackfillPacing = 0
	} else if c.BackfillPacing == 0 {
		c.BackfillPacing = 500 * time.Millisecond
	}
	if c.DedupRetain <= 0 {
		c.DedupRetain = time.Hour
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = time.Minute
	}
}

// Scheduler owns the tick loop. One instance runs per daemon.
type Scheduler struct {
	schedules  core.ScheduleStore
	tasks      core.TaskStore
	dispatcher Dispatcher
	clock      core.Clock
	cfg        Config
	logger     *zap.Logger

	mu    sync.Mutex
	fired map[string]time.Time
}

// New constructs a Scheduler.
func New(
	schedules core.ScheduleStore,
	tasks core.TaskStore,
	dispatcher Dispatcher,
	clock core.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		schedules:  schedules,
		tasks:      tasks,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		fired:      make(map[string]time.Time),
	}
}

// ValidateCronExpr rejects expressions the scheduler cannot run. The five
// field form (minute granularity) is the contract.
func ValidateCronExpr(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick processes every active schedule once.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	s.pruneFired(now)

	active, err := s.schedules.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}
	for _, sched := range active {
		if err := s.process(ctx, sched, now); err != nil {
			s.logger.Warn("schedule processing failed",
				zap.String("schedule_id", sched.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, sched core.Schedule, now time.Time) error {
	expr, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sched.CronExpr, err)
	}

	// First sighting: anchor the schedule to its next future occurrence.
	if sched.NextRun == nil {
		next := expr.Next(now)
		return s.persistRuns(ctx, sched.ID, sched.LastRun, &next)
	}

	nextRun := *sched.NextRun
	lastRun := sched.LastRun

	// A stored future next-run must still agree with the expression. Stale
	// rows or out-of-band edits otherwise mute the schedule until the bogus
	// time finally arrives.
	if nextRun.After(now) {
		want := expr.Next(now)
		drift := nextRun.Sub(want)
		if drift > s.cfg.DriftTolerance || drift < -s.cfg.DriftTolerance {
			metrics.ObserveSchedulerFire("drift_corrected")
			s.logger.Warn("overwriting drifted next run",
				zap.String("schedule_id", sched.ID.String()),
				zap.Time("stored", nextRun),
				zap.Time("recomputed", want),
				zap.Duration("drift", drift),
			)
			return s.persistRuns(ctx, sched.ID, lastRun, &want)
		}
		return nil
	}

	dispatched := 0
	for !nextRun.After(now) {
		fireTime := nextRun

		if now.Sub(fireTime) > s.cfg.GraceWindow {
			// Too stale to backfill; realign with the clock.
			next := expr.Next(now)
			metrics.ObserveSchedulerFire("skipped_grace")
			s.logger.Warn("skipping fires beyond grace window",
				zap.String("schedule_id", sched.ID.String()),
				zap.Time("missed", fireTime),
				zap.Time("next", next),
			)
			return s.persistRuns(ctx, sched.ID, lastRun, &next)
		}

		if dispatched >= s.cfg.MaxBackfillFires {
			next := expr.Next(now)
			metrics.ObserveSchedulerFire("backfill_capped")
			s.logger.Warn("backfill cap reached, realigning",
				zap.String("schedule_id", sched.ID.String()),
				zap.Int("dispatched", dispatched),
			)
			return s.persistRuns(ctx, sched.ID, lastRun, &next)
		}

		duplicate, err := s.alreadyFired(ctx, sched.ID, fireTime)
		if err != nil {
			return err
		}
		if duplicate {
			metrics.ObserveSchedulerFire("duplicate")
		} else {
			spec := core.TaskSpec{
				Target:     sched.Target,
				ScheduleID: &sched.ID,
				Settings:   sched.Settings,
			}
			_, err := s.dispatcher.Start(ctx, spec)
			switch {
			case errors.Is(err, core.ErrTargetBusy):
				// The target already has an active task; this fire is
				// consumed, not queued.
				metrics.ObserveSchedulerFire("busy")
				s.logger.Info("fire skipped, target busy",
					zap.String("schedule_id", sched.ID.String()),
					zap.Time("fire", fireTime),
				)
			case err != nil:
				// Leave the fire unconsumed so the next tick retries it.
				metrics.ObserveSchedulerFire("error")
				if perr := s.persistRuns(ctx, sched.ID, lastRun, &nextRun); perr != nil {
					s.logger.Warn("persist schedule runs", zap.Error(perr))
				}
				return fmt.Errorf("dispatch fire: %w", err)
			default:
				metrics.ObserveSchedulerFire("dispatched")
				s.markFired(sched.ID, fireTime)
				dispatched++
				if s.cfg.BackfillPacing > 0 && !expr.Next(fireTime).After(now) {
					time.Sleep(s.cfg.BackfillPacing)
				}
			}
		}

		lastRun = &fireTime
		nextRun = expr.Next(fireTime)
	}

	return s.persistRuns(ctx, sched.ID, lastRun, &nextRun)
}

func (s *Scheduler) persistRuns(ctx context.Context, id uuid.UUID, lastRun, nextRun *time.Time) error {
	if err := s.schedules.UpdateScheduleRuns(ctx, id, lastRun, nextRun); err != nil {
		return fmt.Errorf("persist schedule runs: %w", err)
	}
	return nil
}

// alreadyFired layers a fast in-memory check over the authoritative store
// lookup, keyed by the fire minute. The store half survives restarts.
func (s *Scheduler) alreadyFired(ctx context.Context, scheduleID uuid.UUID, fireTime time.Time) (bool, error) {
	key := fireKey(scheduleID, fireTime)
	s.mu.Lock()
	_, seen := s.fired[key]
	s.mu.Unlock()
	if seen {
		return true, nil
	}

	windowStart := fireTime.Truncate(time.Minute)
	_, err := s.tasks.FindByScheduleFire(ctx, scheduleID, windowStart, windowStart.Add(time.Minute))
	if err == nil {
		s.markFired(scheduleID, fireTime)
		return true, nil
	}
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check fire dedup: %w", err)
}

func (s *Scheduler) markFired(scheduleID uuid.UUID, fireTime time.Time) {
	s.mu.Lock()
	s.fired[fireKey(scheduleID, fireTime)] = fireTime
	s.mu.Unlock()
}

func (s *Scheduler) pruneFired(now time.Time) {
	cutoff := now.Add(-s.cfg.DedupRetain)
	s.mu.Lock()
	for key, at := range s.fired {
		if at.Before(cutoff) {
			delete(s.fired, key)
		}
	}
	s.mu.Unlock()
}

func fireKey(scheduleID uuid.UUID, fireTime time.Time) string {
	return scheduleID.String() + "@" + fireTime.Truncate(time.Minute).UTC().Format(time.RFC3339)
}
