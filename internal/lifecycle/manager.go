// Package lifecycle launches worker processes, supervises them, and drives
// every task to exactly one terminal status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/completion"
	"spiderkeeper/internal/core"
	"spiderkeeper/internal/ingest"
	"spiderkeeper/internal/metrics"
	"spiderkeeper/internal/runner"
	"spiderkeeper/internal/watch"
)

// Config controls supervision timing and worker output placement.
type Config struct {
	// OutputDir receives one <taskID>.jsonl file per task.
	OutputDir string
	// StopGrace is how long a signalled worker gets before SIGKILL.
	StopGrace time.Duration
	// MaxRun bounds wall time per task; the sweep enforces it.
	MaxRun time.Duration
	// SweepInterval is how often the timeout sweep runs.
	SweepInterval time.Duration
	// Debounce is the per-task ingestion debounce.
	Debounce time.Duration
}

func (c *Config) applyDefaults() {
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.MaxRun <= 0 {
		c.MaxRun = 45 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = watch.DefaultDebounce
	}
}

// handle is the in-memory registry entry for one running task.
type handle struct {
	taskID    uuid.UUID
	proc      runner.Process
	watcher   *watch.Watcher
	startedAt time.Time

	stopped  atomic.Bool
	timedOut atomic.Bool
	// done closes after finalization; Stop and Shutdown wait on it.
	done chan struct{}
}

// Manager owns the running-task registry. All task launches and stops go
// through it; finalization is delegated to the completion detector.
type Manager struct {
	tasks    core.TaskStore
	run      runner.Runner
	pipeline *ingest.Pipeline
	detector *completion.Detector
	clock    core.Clock
	ids      core.IDGenerator
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
}

// NewManager constructs a Manager.
func NewManager(
	tasks core.TaskStore,
	run runner.Runner,
	pipeline *ingest.Pipeline,
	detector *completion.Detector,
	clock core.Clock,
	ids core.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tasks:    tasks,
		run:      run,
		pipeline: pipeline,
		detector: detector,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		handles:  make(map[uuid.UUID]*handle),
	}
}

// Start creates a task and launches its worker. One active task per target:
// a pending or running task on the same target returns ErrTargetBusy. A
// launch failure leaves the task Failed and is reported to the caller.
func (m *Manager) Start(ctx context.Context, spec core.TaskSpec) (core.Task, error) {
	if existing, err := m.tasks.ActiveTaskForTarget(ctx, spec.Target); err == nil {
		return core.Task{}, fmt.Errorf("target %s/%s held by task %s: %w",
			spec.Target.Project, spec.Target.Spider, existing.ID, core.ErrTargetBusy)
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Task{}, fmt.Errorf("check target: %w", err)
	}

	if err := os.MkdirAll(m.cfg.OutputDir, 0o755); err != nil {
		return core.Task{}, fmt.Errorf("ensure output dir: %w", err)
	}

	task := core.Task{
		ID:         m.ids.NewID(),
		ScheduleID: spec.ScheduleID,
		Target:     spec.Target,
		Status:     core.TaskPending,
		CreatedAt:  m.clock.Now(),
	}
	task.OutputPath = filepath.Join(m.cfg.OutputDir, task.ID.String()+".jsonl")
	if err := m.tasks.CreateTask(ctx, task); err != nil {
		return core.Task{}, fmt.Errorf("create task: %w", err)
	}

	proc, err := m.run.Start(ctx, task.ID, task.OutputPath, spec.Target, spec.Settings)
	if err != nil {
		diagnostic := fmt.Sprintf("worker launch failed: %v", err)
		if uerr := m.tasks.UpdateTaskStatus(ctx, task.ID, core.TaskFailed, diagnostic, m.clock.Now()); uerr != nil {
			m.logger.Error("record launch failure", zap.String("task_id", task.ID.String()), zap.Error(uerr))
		}
		metrics.ObserveTaskTerminal(string(core.TaskFailed))
		return core.Task{}, fmt.Errorf("launch worker: %w", err)
	}

	startedAt := m.clock.Now()
	if err := m.tasks.MarkTaskStarted(ctx, task.ID, startedAt); err != nil {
		m.logger.Error("mark task started", zap.String("task_id", task.ID.String()), zap.Error(err))
	}
	task.Status = core.TaskRunning
	task.StartedAt = &startedAt

	w, err := watch.New(task.ID, task.OutputPath, m.pipeline, m.cfg.Debounce, m.logger)
	if err != nil {
		// The task can still finish on exit-code and file evidence alone.
		m.logger.Warn("output watcher unavailable", zap.String("task_id", task.ID.String()), zap.Error(err))
		w = nil
	} else {
		w.Start(context.Background())
	}

	h := &handle{
		taskID:    task.ID,
		proc:      proc,
		watcher:   w,
		startedAt: startedAt,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.handles[task.ID] = h
	m.mu.Unlock()
	metrics.IncRunningTasks()

	go m.supervise(h)

	m.logger.Info("task launched",
		zap.String("task_id", task.ID.String()),
		zap.String("project", spec.Target.Project),
		zap.String("spider", spec.Target.Spider),
		zap.Int("pid", proc.PID()),
	)
	return task, nil
}

// supervise blocks on the worker process and finalizes the task when it is
// gone, whatever the reason.
func (m *Manager) supervise(h *handle) {
	defer close(h.done)

	code, waitErr := h.proc.Wait()
	metrics.DecRunningTasks()

	sig := completion.Signal{Kind: completion.SignalExited, ExitCode: code}
	switch {
	case h.stopped.Load():
		sig = completion.Signal{Kind: completion.SignalStopped, ExitCode: code}
	case h.timedOut.Load():
		sig = completion.Signal{Kind: completion.SignalTimedOut, ExitCode: code}
	case waitErr != nil:
		m.logger.Warn("worker wait failed", zap.String("task_id", h.taskID.String()), zap.Error(waitErr))
		sig = completion.Signal{Kind: completion.SignalLivenessLost, ExitCode: -1}
	}

	var drain completion.DrainFunc
	if h.watcher != nil {
		drain = h.watcher.Drain
	}
	if _, err := m.detector.Finalize(context.Background(), h.taskID, sig, drain); err != nil {
		m.logger.Error("finalize task", zap.String("task_id", h.taskID.String()), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.handles, h.taskID)
	m.mu.Unlock()
}

// Stop requests a graceful stop. It returns true when a stop was performed
// and false when the task was already terminal. Unknown ids return
// ErrNotFound. A running task without a live handle (an orphan from a
// previous run) is finalized as cancelled directly.
func (m *Manager) Stop(ctx context.Context, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	h := m.handles[taskID]
	m.mu.Unlock()

	if h == nil {
		task, err := m.tasks.GetTask(ctx, taskID)
		if err != nil {
			return false, fmt.Errorf("load task: %w", err)
		}
		if task.Status.Terminal() {
			return false, nil
		}
		if _, err := m.detector.Finalize(ctx, taskID,
			completion.Signal{Kind: completion.SignalStopped, ExitCode: -1}, nil); err != nil {
			return false, fmt.Errorf("finalize orphan: %w", err)
		}
		return true, nil
	}

	h.stopped.Store(true)
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		m.logger.Debug("stop signal", zap.String("task_id", taskID.String()), zap.Error(err))
	}

	select {
	case <-h.done:
		return true, nil
	case <-time.After(m.cfg.StopGrace):
	case <-ctx.Done():
		return false, fmt.Errorf("stop wait: %w", ctx.Err())
	}

	m.logger.Warn("worker ignored stop signal, killing",
		zap.String("task_id", taskID.String()), zap.Int("pid", h.proc.PID()))
	if err := h.proc.Kill(); err != nil {
		m.logger.Warn("kill worker", zap.String("task_id", taskID.String()), zap.Error(err))
	}

	select {
	case <-h.done:
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("stop wait after kill: %w", ctx.Err())
	}
}

// Status combines the persisted task with live handle state.
func (m *Manager) Status(ctx context.Context, taskID uuid.UUID) (core.TaskSnapshot, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return core.TaskSnapshot{}, fmt.Errorf("load task: %w", err)
	}
	snapshot := core.TaskSnapshot{Task: task}

	m.mu.Lock()
	h := m.handles[taskID]
	m.mu.Unlock()
	if h == nil {
		return snapshot, nil
	}

	snapshot.Live = h.proc.Alive()
	if h.watcher != nil {
		snapshot.BytesIngested = h.watcher.Offset()
		if la := h.watcher.LastActivity(); !la.IsZero() {
			snapshot.LastActivity = &la
		}
	}
	return snapshot, nil
}

// Sweep signals every task that has exceeded the maximum run duration. The
// supervision goroutine then finalizes it with the timeout policy, so any
// ingested records still count.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*handle
	for _, h := range m.handles {
		if now.Sub(h.startedAt) > m.cfg.MaxRun && h.timedOut.CompareAndSwap(false, true) {
			expired = append(expired, h)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		m.logger.Warn("task exceeded max run duration",
			zap.String("task_id", h.taskID.String()),
			zap.Duration("max_run", m.cfg.MaxRun),
		)
		if err := h.proc.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug("timeout signal", zap.String("task_id", h.taskID.String()), zap.Error(err))
		}
		go m.escalate(ctx, h)
	}
}

// escalate kills a signalled worker that does not exit within the grace.
func (m *Manager) escalate(ctx context.Context, h *handle) {
	select {
	case <-h.done:
	case <-ctx.Done():
	case <-time.After(m.cfg.StopGrace):
		if err := h.proc.Kill(); err != nil {
			m.logger.Warn("kill timed-out worker", zap.String("task_id", h.taskID.String()), zap.Error(err))
		}
	}
}

// RunSweeper runs the timeout sweep until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// RunningCount reports the number of live handles.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Shutdown stops every running task and waits for finalization, bounded by
// ctx. Tasks stopped here end Cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		live = append(live, h)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range live {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			if _, err := m.Stop(ctx, h.taskID); err != nil {
				m.logger.Warn("shutdown stop", zap.String("task_id", h.taskID.String()), zap.Error(err))
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}
