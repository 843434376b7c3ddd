package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"spiderkeeper/internal/core"
)

// writeScript builds a worker stand-in. The contract flags arrive as
// positional arguments, so a plain script body simply ignores them.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// TestStartMissingBinary wraps launch failures in ErrProcessLaunch.
func TestStartMissingBinary(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(Config{Binary: "/nonexistent/spider-worker"})
	_, err := r.Start(context.Background(), uuid.New(), "/tmp/out.jsonl", core.TargetRef{Project: "p", Spider: "s"}, nil)
	require.ErrorIs(t, err, core.ErrProcessLaunch)
}

// TestStartAndWait runs a short-lived worker process end to end.
func TestStartAndWait(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(Config{Binary: writeScript(t, "exit 0")})
	proc, err := r.Start(context.Background(), uuid.New(), "/tmp/out.jsonl", core.TargetRef{Project: "p", Spider: "s"}, nil)
	require.NoError(t, err)
	require.Positive(t, proc.PID())

	code, err := proc.Wait()
	require.NoError(t, err)
	require.Zero(t, code)
	require.False(t, proc.Alive())
}

// TestWaitReportsNonZeroExit surfaces the exit code without an error.
func TestWaitReportsNonZeroExit(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(Config{Binary: writeScript(t, "exit 3")})
	proc, err := r.Start(context.Background(), uuid.New(), "/tmp/out.jsonl", core.TargetRef{Project: "p", Spider: "s"}, nil)
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	require.Equal(t, 3, code)
}

// TestStartPassesContractFlags pins the worker argv: contract flags first,
// settings as repeated --setting pairs, extra args last.
func TestStartPassesContractFlags(t *testing.T) {
	t.Parallel()

	argvFile := filepath.Join(t.TempDir(), "argv")
	script := writeScript(t, `printf '%s\n' "$@" > '`+argvFile+`'`)
	r := NewExecRunner(Config{Binary: script, ExtraArgs: []string{"--log-level", "debug"}})

	taskID := uuid.New()
	proc, err := r.Start(context.Background(), taskID, "/tmp/out.jsonl",
		core.TargetRef{Project: "shop", Spider: "products"},
		core.Settings{"start_url": "https://example.com", "depth": "1"})
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	require.Zero(t, code)

	raw, err := os.ReadFile(argvFile)
	require.NoError(t, err)
	require.Equal(t, []string{
		"--task-id", taskID.String(),
		"--output", "/tmp/out.jsonl",
		"--project", "shop",
		"--spider", "products",
		"--setting", "depth=1",
		"--setting", "start_url=https://example.com",
		"--log-level", "debug",
	}, strings.Fields(string(raw)))
}

// TestSignalTerminatesProcess covers the graceful-stop signal path.
func TestSignalTerminatesProcess(t *testing.T) {
	t.Parallel()

	r := NewExecRunner(Config{Binary: writeScript(t, "exec sleep 30")})
	proc, err := r.Start(context.Background(), uuid.New(), "/tmp/out.jsonl", core.TargetRef{Project: "p", Spider: "s"}, nil)
	require.NoError(t, err)
	require.True(t, proc.Alive())

	done := make(chan int, 1)
	go func() {
		code, _ := proc.Wait()
		done <- code
	}()

	require.NoError(t, proc.Signal(syscall.SIGTERM))
	select {
	case code := <-done:
		require.NotZero(t, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
}

// TestFlattenSettingsDeterministic keeps worker argv stable across runs.
func TestFlattenSettingsDeterministic(t *testing.T) {
	t.Parallel()

	settings := core.Settings{"b": "2", "a": "1", "c": "3"}
	require.Equal(t, []string{"a=1", "b=2", "c=3"}, flattenSettings(settings))
}
