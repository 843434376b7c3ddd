package completion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/storage/memory"
)

type stubClock struct{ t time.Time }

func (c *stubClock) Now() time.Time { return c.t }

func newDetectorFixture(t *testing.T) (*Detector, *memory.TaskStore, *memory.ResultStore, *stubClock) {
	t.Helper()
	results := memory.NewResultStore()
	tasks := memory.NewTaskStore(results)
	clock := &stubClock{t: time.Unix(1700000000, 0).UTC()}
	detector := NewDetector(tasks, results, clock, nil, Config{
		GraceWait:    50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	return detector, tasks, results, clock
}

func seedRunning(t *testing.T, tasks *memory.TaskStore, outputPath string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, tasks.CreateTask(context.Background(), core.Task{
		ID:         id,
		Target:     core.TargetRef{Project: "shop", Spider: "products"},
		Status:     core.TaskRunning,
		CreatedAt:  time.Now().UTC(),
		OutputPath: outputPath,
	}))
	return id
}

// TestFinalizeCrashWithRecordsFinishes: non-zero exit with 3 ingested
// records still reports success.
func TestFinalizeCrashWithRecordsFinishes(t *testing.T) {
	t.Parallel()

	detector, tasks, results, _ := newDetectorFixture(t)
	taskID := seedRunning(t, tasks, "")
	for _, h := range []string{"h1", "h2", "h3"} {
		require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
			ID: uuid.New(), TaskID: taskID, Payload: []byte(`{}`), ContentHash: h,
		}))
	}

	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalExited, ExitCode: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, status)

	task, err := tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, task.Status)
	require.Contains(t, task.Diagnostic, "exit code 2")
}

// TestFinalizeCleanExitNoRecordsFails: exit 0 with an empty output file is
// a failure after the grace wait.
func TestFinalizeCleanExitNoRecordsFails(t *testing.T) {
	t.Parallel()

	detector, tasks, _, _ := newDetectorFixture(t)
	empty := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	taskID := seedRunning(t, tasks, empty)

	// A clean exit does not outweigh an empty output file.
	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalExited, ExitCode: 0}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskFailed, status)
}

// TestFinalizeExitZeroIsSuccess honors a clean exit code directly.
func TestFinalizeExitZeroIsSuccess(t *testing.T) {
	t.Parallel()

	detector, tasks, _, _ := newDetectorFixture(t)
	taskID := seedRunning(t, tasks, "")

	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalExited, ExitCode: 0}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, status)
}

// TestFinalizeFileEvidenceWithinGrace finds trailing output on disk even
// when the store saw nothing.
func TestFinalizeFileEvidenceWithinGrace(t *testing.T) {
	t.Parallel()

	detector, tasks, _, _ := newDetectorFixture(t)
	path := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://example.com/1"}`+"\n"), 0o600))
	taskID := seedRunning(t, tasks, path)

	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalExited, ExitCode: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, status)
}

// TestFinalizeStoppedIsCancelled preserves cancellation over evidence.
func TestFinalizeStoppedIsCancelled(t *testing.T) {
	t.Parallel()

	detector, tasks, results, _ := newDetectorFixture(t)
	taskID := seedRunning(t, tasks, "")
	require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
		ID: uuid.New(), TaskID: taskID, Payload: []byte(`{}`), ContentHash: "h1",
	}))

	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalStopped}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskCancelled, status)

	task, err := tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Contains(t, task.Diagnostic, "1 records ingested")
}

// TestFinalizeIdempotent ignores weaker signals after a terminal write.
func TestFinalizeIdempotent(t *testing.T) {
	t.Parallel()

	detector, tasks, _, _ := newDetectorFixture(t)
	taskID := seedRunning(t, tasks, "")

	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalExited, ExitCode: 0}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, status)

	// A later liveness-lost probe must not flip the outcome.
	status, err = detector.Finalize(context.Background(), taskID, Signal{Kind: SignalLivenessLost, ExitCode: -1}, nil)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, status)
}

// TestFinalizeRunsDrainBeforeDeciding lets the final pass supply the
// evidence that flips the outcome to success.
func TestFinalizeRunsDrainBeforeDeciding(t *testing.T) {
	t.Parallel()

	detector, tasks, results, _ := newDetectorFixture(t)
	taskID := seedRunning(t, tasks, "")

	drained := false
	drain := func(ctx context.Context) error {
		drained = true
		return results.InsertRecord(ctx, core.ResultRecord{
			ID: uuid.New(), TaskID: taskID, Payload: []byte(`{}`), ContentHash: "late",
		})
	}

	status, err := detector.Finalize(context.Background(), taskID, Signal{Kind: SignalTimedOut, ExitCode: -1}, drain)
	require.NoError(t, err)
	require.True(t, drained)
	require.Equal(t, core.TaskFinished, status)
}
