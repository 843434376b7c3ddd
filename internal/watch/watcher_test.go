package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/ingest"
	"spiderkeeper/internal/storage/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type randomIDs struct{}

func (randomIDs) NewID() uuid.UUID { return uuid.New() }

func newWatchFixture(t *testing.T) (*ingest.Pipeline, *memory.ResultStore, uuid.UUID, string) {
	t.Helper()
	results := memory.NewResultStore()
	tasks := memory.NewTaskStore(results)
	pipeline := ingest.NewPipeline(results, tasks, randomIDs{}, realClock{}, ingest.Config{}, nil)

	taskID := uuid.New()
	require.NoError(t, tasks.CreateTask(context.Background(), core.Task{
		ID:        taskID,
		Target:    core.TargetRef{Project: "shop", Spider: "products"},
		Status:    core.TaskRunning,
		CreatedAt: time.Now().UTC(),
	}))
	return pipeline, results, taskID, filepath.Join(t.TempDir(), "items.jsonl")
}

// TestWatcherIngestsAfterDebounce sees appended lines land in the store.
func TestWatcherIngestsAfterDebounce(t *testing.T) {
	t.Parallel()

	pipeline, results, taskID, path := newWatchFixture(t)
	w, err := New(taskID, path, pipeline, 50*time.Millisecond, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://example.com/1"}`+"\n"), 0o600))

	require.Eventually(t, func() bool {
		count, err := results.CountRecords(context.Background(), taskID)
		return err == nil && count == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(32), w.Offset())
	require.False(t, w.LastActivity().IsZero())
}

// TestWatcherCoalescesBurst folds a burst of writes into shared passes and
// still ends with every record ingested.
func TestWatcherCoalescesBurst(t *testing.T) {
	t.Parallel()

	pipeline, results, taskID, path := newWatchFixture(t)
	w, err := New(taskID, path, pipeline, 100*time.Millisecond, nil)
	require.NoError(t, err)
	w.Start(context.Background())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	for _, line := range []string{
		`{"url":"https://example.com/1"}`,
		`{"url":"https://example.com/2"}`,
		`{"url":"https://example.com/3"}`,
	} {
		_, err = f.WriteString(line + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	require.NoError(t, w.Drain(context.Background()))
	count, err := results.CountRecords(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

// TestDrainConsumesTrailingLine picks up output written after the last
// debounced pass, including an unterminated final line.
func TestDrainConsumesTrailingLine(t *testing.T) {
	t.Parallel()

	pipeline, results, taskID, path := newWatchFixture(t)
	w, err := New(taskID, path, pipeline, time.Hour, nil)
	require.NoError(t, err)
	w.Start(context.Background())

	// The debounce is far in the future, so only Drain can ingest this.
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://example.com/1"}`), 0o600))
	require.NoError(t, w.Drain(context.Background()))

	count, err := results.CountRecords(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Drain is idempotent.
	require.NoError(t, w.Drain(context.Background()))
}

// TestWatcherMissingFileStaysQuiet tolerates tasks that never write output.
func TestWatcherMissingFileStaysQuiet(t *testing.T) {
	t.Parallel()

	pipeline, results, taskID, path := newWatchFixture(t)
	w, err := New(taskID, path, pipeline, 50*time.Millisecond, nil)
	require.NoError(t, err)
	w.Start(context.Background())

	require.NoError(t, w.Drain(context.Background()))
	count, err := results.CountRecords(context.Background(), taskID)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, w.Offset())
}
