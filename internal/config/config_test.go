package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLoadDefaults ensures Load succeeds without a config file.
func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5, cfg.Scheduler.TickSeconds)
	require.Equal(t, 30, cfg.Scheduler.GraceWindowMinutes)
	require.Equal(t, 45, cfg.Lifecycle.MaxRunMinutes)
	require.Equal(t, 10, cfg.Ingest.DebounceSeconds)
	require.Equal(t, 1, cfg.Notify.TimeoutSeconds)
}

// TestLoadFromFile reads overrides from a YAML file.
func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("server:\n  port: 9090\nscheduler:\n  tick_seconds: 10\nlifecycle:\n  worker_binary: /usr/local/bin/spider-worker\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 10, cfg.Scheduler.TickSeconds)
	require.Equal(t, "/usr/local/bin/spider-worker", cfg.Lifecycle.WorkerBinary)
}

// TestLoadMissingFile surfaces the read error.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

// TestValidateRejectsBadValues covers the validation guardrails.
func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Server.Port = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Scheduler.TickSeconds = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Lifecycle.WorkerBinary = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Ingest.DebounceSeconds = 0
	require.Error(t, bad.Validate())
}
