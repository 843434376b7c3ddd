// Package reconcile periodically re-derives terminal statuses from stored
// evidence, healing tasks that were finalized on incomplete information.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/ingest"
	"spiderkeeper/internal/metrics"
)

// Config controls reconciliation cadence and reach.
type Config struct {
	// Interval is how often the trailing window is swept (default 1h).
	Interval time.Duration
	// Window is how far back finished tasks are re-examined (default 24h).
	Window time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
}

// Reconciler applies the evidence rule to terminal tasks: records mean
// Finished, no records mean Failed. Cancelled tasks keep their status
// because an operator said so. The rule is a fixed point, so re-running
// it never flips a task back.
type Reconciler struct {
	tasks   core.TaskStore
	results core.ResultStore
	clock   core.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Reconciler.
func New(tasks core.TaskStore, results core.ResultStore, clock core.Clock, cfg Config, logger *zap.Logger) *Reconciler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{tasks: tasks, results: results, clock: clock, cfg: cfg, logger: logger}
}

// ReconcileTask re-checks one task and returns whether it was corrected.
// Corrections cover the status and the item count, which is re-derived as
// the larger of the stored record count and the parseable lines on disk.
func (r *Reconciler) ReconcileTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}
	if task.Status != core.TaskFinished && task.Status != core.TaskFailed {
		return false, nil
	}

	persisted, err := r.results.CountRecords(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("count records: %w", err)
	}
	evidence := persisted
	if task.OutputPath != "" {
		// Records can exist on disk that ingestion never caught, for
		// example after a daemon crash between passes.
		if onDisk := ingest.CountParseableRecords(task.OutputPath); onDisk > evidence {
			evidence = onDisk
		}
	}

	changed := false
	if task.ItemCount != evidence {
		if err := r.tasks.UpdateTaskCounts(ctx, taskID, evidence, -1, -1); err != nil {
			return false, fmt.Errorf("correct item count: %w", err)
		}
		metrics.ObserveReconcileCorrection("item_count")
		r.logger.Info("task item count reconciled",
			zap.String("task_id", taskID.String()),
			zap.Int64("from", task.ItemCount),
			zap.Int64("to", evidence),
		)
		changed = true
	}

	var (
		corrected  core.TaskStatus
		direction  string
		diagnostic string
	)
	switch {
	case task.Status == core.TaskFailed && evidence > 0:
		corrected = core.TaskFinished
		direction = "failed_to_finished"
		diagnostic = fmt.Sprintf("reconciled: %d records of evidence found", evidence)
	case task.Status == core.TaskFinished && evidence == 0:
		corrected = core.TaskFailed
		direction = "finished_to_failed"
		diagnostic = "reconciled: no records of evidence remain"
	default:
		return changed, nil
	}

	if err := r.tasks.UpdateTaskStatus(ctx, taskID, corrected, diagnostic, r.clock.Now()); err != nil {
		return false, fmt.Errorf("apply correction: %w", err)
	}
	metrics.ObserveReconcileCorrection(direction)
	r.logger.Info("task status reconciled",
		zap.String("task_id", taskID.String()),
		zap.String("from", string(task.Status)),
		zap.String("to", string(corrected)),
		zap.Int64("evidence", evidence),
	)
	return true, nil
}

// ReconcileWindow sweeps every task that reached a terminal status within
// the trailing window and returns the number of corrections.
func (r *Reconciler) ReconcileWindow(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.cfg.Window)
	tasks, err := r.tasks.ListFinishedSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list finished tasks: %w", err)
	}

	corrections := 0
	for _, task := range tasks {
		changed, err := r.ReconcileTask(ctx, task.ID)
		if err != nil {
			r.logger.Warn("reconcile task failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			corrections++
		}
	}
	if corrections > 0 {
		r.logger.Info("reconcile sweep corrected tasks",
			zap.Int("examined", len(tasks)), zap.Int("corrected", corrections))
	}
	return corrections, nil
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileWindow(ctx); err != nil {
				r.logger.Warn("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}
