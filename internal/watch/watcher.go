// Package watch tails a task's output file and feeds changed bytes into
// the ingestion pipeline. One Watcher serves one running task.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/ingest"
)

// DefaultDebounce bounds how often filesystem churn can trigger a pass.
const DefaultDebounce = 10 * time.Second

// Watcher owns the byte-offset cursor for one task's output file. Change
// notifications are debounced so a burst of writes costs one ingestion
// pass, and passes never overlap because only the run loop executes them.
type Watcher struct {
	taskID   uuid.UUID
	path     string
	pipeline *ingest.Pipeline
	debounce time.Duration
	logger   *zap.Logger

	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool

	stopOnce  sync.Once
	drainOnce sync.Once
	drainErr  error

	mu           sync.Mutex
	offset       int64
	lastActivity time.Time
}

// New prepares a watcher for the given output file. The file itself may not
// exist yet, so the watch is registered on its parent directory.
func New(taskID uuid.UUID, path string, pipeline *ingest.Pipeline, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch output dir: %w", err)
	}
	return &Watcher{
		taskID:   taskID,
		path:     path,
		pipeline: pipeline,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the watch loop. The loop exits when ctx is cancelled or
// Drain is called.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Offset reports how many bytes of the output file have been consumed.
func (w *Watcher) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// LastActivity reports when the output file last changed.
func (w *Watcher) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Drain stops the watch loop and performs the final ingestion pass, which
// also consumes an unterminated trailing line. Later calls return the
// first result.
func (w *Watcher) Drain(ctx context.Context) error {
	w.drainOnce.Do(func() {
		w.stop()
		w.drainErr = w.pass(ctx, true)
	})
	return w.drainErr
}

func (w *Watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	if w.started.Load() {
		<-w.doneCh
	}
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("close fs watcher", zap.String("task_id", w.taskID.String()), zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// The timer fires one debounce interval after the first event of a
	// burst; events arriving while it is pending fold into the same pass.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Name != w.path || evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.noteActivity()
			if !pending {
				timer.Reset(w.debounce)
				pending = true
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watch error", zap.String("task_id", w.taskID.String()), zap.Error(err))
		case <-timer.C:
			pending = false
			if err := w.pass(ctx, false); err != nil {
				w.logger.Warn("ingestion pass failed",
					zap.String("task_id", w.taskID.String()), zap.Error(err))
			}
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) noteActivity() {
	w.mu.Lock()
	w.lastActivity = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Watcher) pass(ctx context.Context, final bool) error {
	w.mu.Lock()
	offset := w.offset
	w.mu.Unlock()

	result, err := w.pipeline.Pass(ctx, w.taskID, w.path, offset, final)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.offset = result.NewOffset
	w.mu.Unlock()
	return nil
}
