// Package runner launches and supervises external worker processes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"spiderkeeper/internal/core"
)

// Process is a handle to one launched worker.
type Process interface {
	// PID returns the operating system process id.
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	// A negative code means no exit code could be determined.
	Wait() (int, error)
	// Signal sends a termination signal; Kill escalates.
	Signal(sig os.Signal) error
	Kill() error
	// Alive reports whether the process still exists.
	Alive() bool
}

// Runner starts worker processes per the invocation contract: the worker
// receives a task id, an output path, and its settings bundle, and appends
// line-delimited records to the output path as it produces them.
type Runner interface {
	Start(ctx context.Context, taskID uuid.UUID, outputPath string, target core.TargetRef, settings core.Settings) (Process, error)
}

// Config controls how worker processes are invoked.
type Config struct {
	// Binary is the worker executable (resolved via PATH when relative).
	Binary string
	// ExtraArgs are appended verbatim after the generated flags.
	ExtraArgs []string
}

// ExecRunner launches workers with os/exec.
type ExecRunner struct {
	cfg Config
}

// NewExecRunner constructs an ExecRunner.
func NewExecRunner(cfg Config) *ExecRunner {
	return &ExecRunner{cfg: cfg}
}

// Start spawns the worker process detached from the supervisor's own
// signal handling. Launch failures wrap core.ErrProcessLaunch.
func (r *ExecRunner) Start(ctx context.Context, taskID uuid.UUID, outputPath string, target core.TargetRef, settings core.Settings) (Process, error) {
	args := []string{
		"--task-id", taskID.String(),
		"--output", outputPath,
		"--project", target.Project,
		"--spider", target.Spider,
	}
	for _, kv := range flattenSettings(settings) {
		args = append(args, "--setting", kv)
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The worker gets its own process group so stop signals do not leak
	// to the supervisor.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProcessLaunch, err)
	}
	return newExecProcess(cmd), nil
}

// flattenSettings renders the settings map as sorted key=value pairs so
// the worker command line is deterministic.
func flattenSettings(settings core.Settings) []string {
	out := make([]string, 0, len(settings))
	for k, v := range settings {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type execProcess struct {
	cmd *exec.Cmd

	waitOnce sync.Once
	waitErr  error
	exitCode int
	done     chan struct{}
}

func newExecProcess(cmd *exec.Cmd) *execProcess {
	p := &execProcess{cmd: cmd, exitCode: -1, done: make(chan struct{})}
	return p
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		defer close(p.done)
		err := p.cmd.Wait()
		if err == nil {
			p.exitCode = 0
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.waitErr = err
	})
	<-p.done
	if p.waitErr != nil {
		return -1, fmt.Errorf("wait worker: %w", p.waitErr)
	}
	return p.exitCode, nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("signal worker: %w", err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
		return fmt.Errorf("kill worker: %w", err)
	}
	return nil
}

// Alive probes the process with signal 0.
func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}
