// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database. An empty DSN runs
// the service on in-memory stores (dev mode).
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SchedulerConfig governs cron evaluation and fire dedup.
type SchedulerConfig struct {
	TickSeconds        int `mapstructure:"tick_seconds"`
	GraceWindowMinutes int `mapstructure:"grace_window_minutes"`
	MaxBackfillFires   int `mapstructure:"max_backfill_fires"`
	BackfillPacingMs   int `mapstructure:"backfill_pacing_ms"`
	DedupRetainMinutes int `mapstructure:"dedup_retain_minutes"`
}

// LifecycleConfig governs process supervision.
type LifecycleConfig struct {
	StopGraceSeconds   int    `mapstructure:"stop_grace_seconds"`
	MaxRunMinutes      int    `mapstructure:"max_run_minutes"`
	SweepSeconds       int    `mapstructure:"sweep_seconds"`
	FinalWaitSeconds   int    `mapstructure:"final_wait_seconds"`
	OutputDir          string `mapstructure:"output_dir"`
	WorkerBinary       string `mapstructure:"worker_binary"`
	WorkerExtraArgs    string `mapstructure:"worker_extra_args"`
	DrainTimeoutSecond int    `mapstructure:"drain_timeout_seconds"`
}

// IngestConfig governs file watching and record ingestion.
type IngestConfig struct {
	DebounceSeconds int `mapstructure:"debounce_seconds"`
	BatchSize       int `mapstructure:"batch_size"`
}

// NotifyConfig configures the fire-and-forget progress webhook.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// WorkerConfig holds defaults passed through to launched workers.
type WorkerConfig struct {
	UserAgent string `mapstructure:"user_agent"`
}

// ReconcileConfig governs the periodic status reconciler.
type ReconcileConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	WindowHours     int `mapstructure:"window_hours"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDERKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.grace_window_minutes", 30)
	v.SetDefault("scheduler.max_backfill_fires", 5)
	v.SetDefault("scheduler.backfill_pacing_ms", 500)
	v.SetDefault("scheduler.dedup_retain_minutes", 60)
	v.SetDefault("lifecycle.stop_grace_seconds", 5)
	v.SetDefault("lifecycle.max_run_minutes", 45)
	v.SetDefault("lifecycle.sweep_seconds", 30)
	v.SetDefault("lifecycle.final_wait_seconds", 60)
	v.SetDefault("lifecycle.output_dir", "/var/lib/spiderkeeper/output")
	v.SetDefault("lifecycle.worker_binary", "spider-worker")
	v.SetDefault("lifecycle.drain_timeout_seconds", 15)
	v.SetDefault("ingest.debounce_seconds", 10)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("notify.timeout_seconds", 1)
	v.SetDefault("worker.user_agent", "spiderkeeper-bot/0.1")
	v.SetDefault("reconcile.interval_minutes", 60)
	v.SetDefault("reconcile.window_hours", 24)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Scheduler.GraceWindowMinutes <= 0 {
		return fmt.Errorf("scheduler.grace_window_minutes must be > 0")
	}
	if c.Scheduler.MaxBackfillFires < 0 {
		return fmt.Errorf("scheduler.max_backfill_fires must be >= 0")
	}
	if c.Lifecycle.MaxRunMinutes <= 0 {
		return fmt.Errorf("lifecycle.max_run_minutes must be > 0")
	}
	if c.Lifecycle.WorkerBinary == "" {
		return fmt.Errorf("lifecycle.worker_binary must be set")
	}
	if c.Ingest.DebounceSeconds < 1 {
		return fmt.Errorf("ingest.debounce_seconds must be >= 1")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Notify.TimeoutSeconds <= 0 {
		return fmt.Errorf("notify.timeout_seconds must be > 0")
	}
	return nil
}

// TickInterval converts the scheduler tick into a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// GraceWindow converts the scheduler grace window into a duration.
func (c Config) GraceWindow() time.Duration {
	return time.Duration(c.Scheduler.GraceWindowMinutes) * time.Minute
}

// MaxRunDuration converts the lifecycle timeout into a duration.
func (c Config) MaxRunDuration() time.Duration {
	return time.Duration(c.Lifecycle.MaxRunMinutes) * time.Minute
}
