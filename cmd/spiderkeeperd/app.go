package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"spiderkeeper/internal/completion"
	"spiderkeeper/internal/config"
	"spiderkeeper/internal/core"
	"spiderkeeper/internal/id/uuid"
	"spiderkeeper/internal/ingest"
	"spiderkeeper/internal/lifecycle"
	"spiderkeeper/internal/logging"
	"spiderkeeper/internal/notify"
	"spiderkeeper/internal/reconcile"
	"spiderkeeper/internal/runner"
	"spiderkeeper/internal/scheduler"
	"spiderkeeper/internal/storage/memory"
	"spiderkeeper/internal/storage/postgres"

	sysclock "spiderkeeper/internal/clock/system"
)

// app holds the wired service graph for one daemon process.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	tasks     core.TaskStore
	schedules core.ScheduleStore
	results   core.ResultStore
	pool      *pgxpool.Pool

	hub        *notify.Hub
	manager    *lifecycle.Manager
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler
}

func newApp(ctx context.Context, withHub bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	if cfg.DB.DSN == "" {
		logger.Warn("no database configured, using in-memory stores")
		results := memory.NewResultStore()
		a.results = results
		a.tasks = memory.NewTaskStore(results)
		a.schedules = memory.NewScheduleStore()
	} else {
		pool, err := postgres.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		a.tasks = postgres.NewTaskStore(pool)
		a.schedules = postgres.NewScheduleStore(pool)
		a.results = postgres.NewResultStore(pool)
	}

	clock := sysclock.Clock{}
	ids := uuid.Generator{}

	var notifier core.Notifier
	if withHub {
		sinks := []notify.Sink{notify.NewLogSink(logger)}
		if cfg.Notify.WebhookURL != "" {
			sinks = append(sinks, notify.NewWebhookSink(
				cfg.Notify.WebhookURL,
				time.Duration(cfg.Notify.TimeoutSeconds)*time.Second,
				logger,
			))
		}
		a.hub = notify.NewHub(notify.Config{Logger: logger}, sinks...)
		notifier = a.hub
	}

	pipeline := ingest.NewPipeline(a.results, a.tasks, ids, clock, ingest.Config{
		BatchSize: cfg.Ingest.BatchSize,
	}, logger)

	detector := completion.NewDetector(a.tasks, a.results, clock, notifier, completion.Config{
		GraceWait: time.Duration(cfg.Lifecycle.FinalWaitSeconds) * time.Second,
	}, logger)

	workerArgs := strings.Fields(cfg.Lifecycle.WorkerExtraArgs)
	if cfg.Worker.UserAgent != "" {
		workerArgs = append(workerArgs, "--user-agent", cfg.Worker.UserAgent)
	}
	run := runner.NewExecRunner(runner.Config{
		Binary:    cfg.Lifecycle.WorkerBinary,
		ExtraArgs: workerArgs,
	})

	a.manager = lifecycle.NewManager(a.tasks, run, pipeline, detector, clock, ids, lifecycle.Config{
		OutputDir:     cfg.Lifecycle.OutputDir,
		StopGrace:     time.Duration(cfg.Lifecycle.StopGraceSeconds) * time.Second,
		MaxRun:        cfg.MaxRunDuration(),
		SweepInterval: time.Duration(cfg.Lifecycle.SweepSeconds) * time.Second,
		Debounce:      time.Duration(cfg.Ingest.DebounceSeconds) * time.Second,
	}, logger)

	a.scheduler = scheduler.New(a.schedules, a.tasks, a.manager, clock, scheduler.Config{
		Tick:             cfg.TickInterval(),
		GraceWindow:      cfg.GraceWindow(),
		MaxBackfillFires: cfg.Scheduler.MaxBackfillFires,
		BackfillPacing:   time.Duration(cfg.Scheduler.BackfillPacingMs) * time.Millisecond,
		DedupRetain:      time.Duration(cfg.Scheduler.DedupRetainMinutes) * time.Minute,
	}, logger)

	a.reconciler = reconcile.New(a.tasks, a.results, clock, reconcile.Config{
		Interval: time.Duration(cfg.Reconcile.IntervalMinutes) * time.Minute,
		Window:   time.Duration(cfg.Reconcile.WindowHours) * time.Hour,
	}, logger)

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("close notify hub", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}
