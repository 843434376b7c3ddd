// Package completion decides terminal task state from inherently
// unreliable signals: exit codes, liveness probes, timeouts, and the
// contents of the persisted store and output file.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/ingest"
	"spiderkeeper/internal/metrics"
)

// SignalKind orders the terminal triggers by precedence.
type SignalKind int

// Terminal trigger kinds, strongest first.
const (
	// SignalStopped is an explicit operator stop; the task ends Cancelled.
	SignalStopped SignalKind = iota
	// SignalExited means the process exit was observed directly.
	SignalExited
	// SignalLivenessLost means the PID vanished without an exit code.
	SignalLivenessLost
	// SignalTimedOut means the run exceeded the maximum duration.
	SignalTimedOut
)

// Signal is one tentative terminal trigger.
type Signal struct {
	Kind SignalKind
	// ExitCode is meaningful only for SignalExited; -1 means unknown.
	ExitCode int
}

// DrainFunc performs the final ingestion pass for the task, catching
// trailing output the debounced watcher has not consumed yet.
type DrainFunc func(ctx context.Context) error

// Config controls detector timing.
type Config struct {
	// GraceWait bounds how long the detector waits for trailing output
	// evidence before declaring failure (default 60s).
	GraceWait time.Duration
	// PollInterval is how often the output file is re-probed during the
	// grace wait (default 2s).
	PollInterval time.Duration
}

// Detector finalizes tasks. Terminal writes are idempotent: once a task is
// terminal, later (weaker) signals are ignored.
type Detector struct {
	tasks    core.TaskStore
	results  core.ResultStore
	clock    core.Clock
	notifier core.Notifier
	cfg      Config
	logger   *zap.Logger
}

// NewDetector constructs a Detector.
func NewDetector(
	tasks core.TaskStore,
	results core.ResultStore,
	clock core.Clock,
	notifier core.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Detector {
	if cfg.GraceWait <= 0 {
		cfg.GraceWait = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		tasks:    tasks,
		results:  results,
		clock:    clock,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Finalize drives a task out of Running based on the signal. It drains
// remaining ingestion first, then applies the evidence-of-work policy: a
// task is Finished when persisted records exist, OR a parseable non-empty
// output file appears within the grace wait, OR the process exited zero
// and there is no output file to contradict it. The policy deliberately
// reports "did useful work" over exit code hygiene; a non-zero exit with
// ingested records still counts as success, and a clean exit that produced
// nothing does not.
func (d *Detector) Finalize(ctx context.Context, taskID uuid.UUID, sig Signal, drain DrainFunc) (core.TaskStatus, error) {
	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}
	if task.Status.Terminal() {
		return task.Status, nil
	}

	graceStart := d.clock.Now()
	d.drain(ctx, taskID, drain)
	remaining := d.cfg.GraceWait - d.clock.Now().Sub(graceStart)
	if remaining < 0 {
		remaining = 0
	}

	count, err := d.results.CountRecords(ctx, taskID)
	if err != nil {
		d.logger.Warn("record count unavailable during finalize",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}

	var (
		status     core.TaskStatus
		diagnostic string
	)
	if sig.Kind == SignalStopped {
		status = core.TaskCancelled
		diagnostic = fmt.Sprintf("stopped by request; %d records ingested", count)
	} else if d.successEvidence(ctx, task, sig, count, remaining) {
		status = core.TaskFinished
		diagnostic = d.successDiagnostic(sig, count)
	} else {
		status = core.TaskFailed
		diagnostic = d.failureDiagnostic(sig)
	}

	if err := d.tasks.UpdateTaskStatus(ctx, taskID, status, diagnostic, d.clock.Now()); err != nil {
		return "", fmt.Errorf("record terminal status: %w", err)
	}
	metrics.ObserveTaskTerminal(string(status))
	if d.notifier != nil {
		d.notifier.Notify(taskID, map[string]any{
			"status":     string(status),
			"item_count": count,
			"diagnostic": diagnostic,
		})
	}
	d.logger.Info("task finalized",
		zap.String("task_id", taskID.String()),
		zap.String("status", string(status)),
		zap.Int64("item_count", count),
	)
	return status, nil
}

func (d *Detector) drain(ctx context.Context, taskID uuid.UUID, drain DrainFunc) {
	if drain == nil {
		return
	}
	drainCtx, cancel := context.WithTimeout(ctx, d.cfg.GraceWait)
	defer cancel()
	if err := drain(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("final ingestion drain failed",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}
}

// successEvidence applies the three-way policy check, polling the output
// file until the grace deadline when the faster checks fail.
func (d *Detector) successEvidence(ctx context.Context, task core.Task, sig Signal, count int64, remaining time.Duration) bool {
	if count > 0 {
		return true
	}
	if task.OutputPath == "" {
		// Nothing on disk to corroborate or contradict; trust the code.
		return sig.Kind == SignalExited && sig.ExitCode == 0
	}
	grace := time.NewTimer(remaining)
	defer grace.Stop()
	for {
		if ingest.HasParseableRecords(task.OutputPath) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-grace.C:
			return false
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Detector) successDiagnostic(sig Signal, count int64) string {
	switch {
	case sig.Kind == SignalExited && sig.ExitCode == 0:
		return ""
	case sig.Kind == SignalExited:
		// Non-zero exit masked by evidence of work; keep it visible.
		return fmt.Sprintf("exit code %d overridden: %d records ingested", sig.ExitCode, count)
	case sig.Kind == SignalTimedOut:
		return fmt.Sprintf("timed out with %d records ingested", count)
	default:
		return fmt.Sprintf("process vanished with %d records ingested", count)
	}
}

func (d *Detector) failureDiagnostic(sig Signal) string {
	switch sig.Kind {
	case SignalExited:
		return fmt.Sprintf("exit code %d with no ingested records", sig.ExitCode)
	case SignalLivenessLost:
		return "process vanished with no ingested records"
	case SignalTimedOut:
		return "timed out with no ingested records"
	default:
		return "no evidence of work"
	}
}
