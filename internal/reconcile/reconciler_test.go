package reconcile

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

func newReconcileFixture(t *testing.T) (*Reconciler, *memory.TaskStore, *memory.ResultStore, *stubClock) {
	t.Helper()
	results := memory.NewResultStore()
	tasks := memory.NewTaskStore(results)
	clock := &stubClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(tasks, results, clock, Config{}, nil), tasks, results, clock
}

func seedTerminal(t *testing.T, tasks *memory.TaskStore, clock *stubClock, status core.TaskStatus, outputPath string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	finished := clock.Now().Add(-time.Hour)
	require.NoError(t, tasks.CreateTask(context.Background(), core.Task{
		ID:         id,
		Target:     core.TargetRef{Project: "shop", Spider: "products"},
		Status:     status,
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
		OutputPath: outputPath,
	}))
	return id
}

// TestFailedWithRecordsBecomesFinished heals a wrongly failed task.
func TestFailedWithRecordsBecomesFinished(t *testing.T) {
	t.Parallel()

	r, tasks, results, clock := newReconcileFixture(t)
	id := seedTerminal(t, tasks, clock, core.TaskFailed, "")
	require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
		ID: uuid.New(), TaskID: id, Payload: []byte(`{}`), ContentHash: "h1",
	}))

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, changed)

	task, err := tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, task.Status)
	require.Contains(t, task.Diagnostic, "reconciled")
}

// TestFailedWithOnDiskEvidenceBecomesFinished accepts file evidence that
// ingestion missed.
func TestFailedWithOnDiskEvidenceBecomesFinished(t *testing.T) {
	t.Parallel()

	r, tasks, _, clock := newReconcileFixture(t)
	path := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://example.com/1"}`+"\n"), 0o600))
	id := seedTerminal(t, tasks, clock, core.TaskFailed, path)

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, changed)

	task, err := tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, task.Status)
}

// TestReconcileRestoresItemCount re-derives the item count from the file
// evidence, not just the status.
func TestReconcileRestoresItemCount(t *testing.T) {
	t.Parallel()

	r, tasks, _, clock := newReconcileFixture(t)
	path := filepath.Join(t.TempDir(), "items.jsonl")
	body := `{"url":"https://example.com/1"}
{"url":"https://example.com/2"}
{"url":"https://example.com/3"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	id := seedTerminal(t, tasks, clock, core.TaskFailed, path)

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, changed)

	task, err := tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, task.Status)
	require.Equal(t, int64(3), task.ItemCount)
}

// TestCountCorrectionWithoutStatusChange fixes a stale item count even when
// the status itself is already right, and converges on the second pass.
func TestCountCorrectionWithoutStatusChange(t *testing.T) {
	t.Parallel()

	r, tasks, results, clock := newReconcileFixture(t)
	id := seedTerminal(t, tasks, clock, core.TaskFinished, "")
	for _, h := range []string{"h1", "h2"} {
		require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
			ID: uuid.New(), TaskID: id, Payload: []byte(`{}`), ContentHash: h,
		}))
	}

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, changed)

	task, err := tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.TaskFinished, task.Status)
	require.Equal(t, int64(2), task.ItemCount)

	changed, err = r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.False(t, changed)
}

// TestFinishedWithoutEvidenceBecomesFailed demotes a hollow success.
func TestFinishedWithoutEvidenceBecomesFailed(t *testing.T) {
	t.Parallel()

	r, tasks, _, clock := newReconcileFixture(t)
	id := seedTerminal(t, tasks, clock, core.TaskFinished, "")

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, changed)

	task, err := tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.TaskFailed, task.Status)
}

// TestCancelledIsNeverCorrected leaves operator decisions alone.
func TestCancelledIsNeverCorrected(t *testing.T) {
	t.Parallel()

	r, tasks, results, clock := newReconcileFixture(t)
	id := seedTerminal(t, tasks, clock, core.TaskCancelled, "")
	require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
		ID: uuid.New(), TaskID: id, Payload: []byte(`{}`), ContentHash: "h1",
	}))

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.False(t, changed)
}

// TestReconcileIsFixedPoint never flips a task back on a second pass.
func TestReconcileIsFixedPoint(t *testing.T) {
	t.Parallel()

	r, tasks, results, clock := newReconcileFixture(t)
	id := seedTerminal(t, tasks, clock, core.TaskFailed, "")
	require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
		ID: uuid.New(), TaskID: id, Payload: []byte(`{}`), ContentHash: "h1",
	}))

	changed, err := r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = r.ReconcileTask(context.Background(), id)
	require.NoError(t, err)
	require.False(t, changed)
}

// TestWindowSweepCountsCorrections covers the batch entry point and the
// trailing-window cutoff.
func TestWindowSweepCountsCorrections(t *testing.T) {
	t.Parallel()

	r, tasks, results, clock := newReconcileFixture(t)

	// In window, wrongly failed.
	healable := seedTerminal(t, tasks, clock, core.TaskFailed, "")
	require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
		ID: uuid.New(), TaskID: healable, Payload: []byte(`{}`), ContentHash: "h1",
	}))

	// Out of window, also wrongly failed; must be left alone.
	stale := uuid.New()
	staleFinish := clock.Now().Add(-48 * time.Hour)
	require.NoError(t, tasks.CreateTask(context.Background(), core.Task{
		ID:         stale,
		Target:     core.TargetRef{Project: "shop", Spider: "reviews"},
		Status:     core.TaskFailed,
		CreatedAt:  staleFinish.Add(-time.Minute),
		FinishedAt: &staleFinish,
	}))
	require.NoError(t, results.InsertRecord(context.Background(), core.ResultRecord{
		ID: uuid.New(), TaskID: stale, Payload: []byte(`{}`), ContentHash: "h1",
	}))

	corrections, err := r.ReconcileWindow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, corrections)

	task, err := tasks.GetTask(context.Background(), stale)
	require.NoError(t, err)
	require.Equal(t, core.TaskFailed, task.Status)
}
