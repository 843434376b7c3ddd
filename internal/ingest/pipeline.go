// Package ingest converts a worker's append-only output stream into
// durable, deduplicated result records.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/hash"
	"spiderkeeper/internal/metrics"
)

// Config controls Pipeline behavior.
type Config struct {
	// BatchSize caps how many records are inserted per batch (default 100).
	BatchSize int
}

// Pipeline ingests line-delimited records from worker output files.
// Callers must serialize passes per task; the byte-offset cursor they hold
// is only consistent when no two passes over the same file overlap.
type Pipeline struct {
	results core.ResultStore
	tasks   core.TaskStore
	ids     core.IDGenerator
	clock   core.Clock
	cfg     Config
	logger  *zap.Logger
}

// PassResult summarizes one ingestion pass.
type PassResult struct {
	// NewOffset is the cursor after the pass; the next pass starts here.
	NewOffset int64
	// Inserted counts records newly persisted by this pass.
	Inserted int64
	// Duplicates counts records skipped by the dedup check.
	Duplicates int64
	// Malformed counts complete lines that failed to parse.
	Malformed int64
	// ItemCount is the task's refreshed persisted record count.
	ItemCount int64
}

// NewPipeline constructs a Pipeline.
func NewPipeline(
	results core.ResultStore,
	tasks core.TaskStore,
	ids core.IDGenerator,
	clock core.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		results: results,
		tasks:   tasks,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Pass reads the byte range [offset, currentSize) of the output file,
// splits it into records, and persists the deduplicated results. A partial
// trailing line is left unconsumed unless final is true, in which case it
// is parsed as-is and dropped with a warning when unparseable.
//
// Transient read errors return a zero-progress result with the error so the
// caller can retry on the next scheduled pass; they never fail the task.
func (p *Pipeline) Pass(ctx context.Context, taskID uuid.UUID, path string, offset int64, final bool) (PassResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveIngestPass(time.Since(start)) }()

	result := PassResult{NewOffset: offset}

	chunk, size, err := readRange(path, offset)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The worker has not created the file yet; nothing to do.
			return result, nil
		}
		return result, fmt.Errorf("read output range: %w", err)
	}
	if len(chunk) == 0 {
		return result, nil
	}

	lines, consumed := splitLines(chunk, final)
	result.NewOffset = offset + consumed
	if result.NewOffset > size {
		result.NewOffset = size
	}

	records := p.parseLines(taskID, lines, &result)
	if err := p.insert(ctx, records, &result); err != nil {
		// Roll the cursor back so the same bytes are re-read next pass;
		// re-ingestion is a safe no-op thanks to the dedup key.
		result.NewOffset = offset
		return result, err
	}

	count, err := p.results.CountRecords(ctx, taskID)
	if err != nil {
		return result, fmt.Errorf("refresh item count: %w", err)
	}
	result.ItemCount = count
	if err := p.tasks.UpdateTaskCounts(ctx, taskID, count, -1, -1); err != nil && !errors.Is(err, core.ErrNotFound) {
		p.logger.Warn("item count refresh failed", zap.String("task_id", taskID.String()), zap.Error(err))
	}
	metrics.AddRecordsIngested(float64(result.Inserted))
	return result, nil
}

// parseLines turns complete lines into result records. Malformed lines are
// counted, logged, and skipped; they never abort the pass.
func (p *Pipeline) parseLines(taskID uuid.UUID, lines [][]byte, result *PassResult) []core.ResultRecord {
	records := make([]core.ResultRecord, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		contentHash, err := hash.Content(line)
		if err != nil {
			result.Malformed++
			p.logger.Warn("skipping malformed record line",
				zap.String("task_id", taskID.String()),
				zap.Error(err),
			)
			continue
		}
		payload := append([]byte(nil), line...)
		records = append(records, core.ResultRecord{
			ID:          p.ids.NewID(),
			TaskID:      taskID,
			Payload:     payload,
			ContentHash: contentHash,
			IngestedAt:  p.clock.Now(),
		})
	}
	return records
}

// insert persists records in batches. A failed batch falls back to
// per-record insertion so one bad record cannot block the rest.
func (p *Pipeline) insert(ctx context.Context, records []core.ResultRecord, result *PassResult) error {
	for start := 0; start < len(records); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		inserted, err := p.results.InsertRecords(ctx, batch)
		if err == nil {
			result.Inserted += inserted
			result.Duplicates += int64(len(batch)) - inserted
			continue
		}

		p.logger.Warn("batch insert failed, retrying per record", zap.Error(err))
		if err := p.insertIndividually(ctx, batch, result); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) insertIndividually(ctx context.Context, batch []core.ResultRecord, result *PassResult) error {
	for _, record := range batch {
		err := p.results.InsertRecord(ctx, record)
		switch {
		case err == nil:
			result.Inserted++
		case errors.Is(err, core.ErrDuplicateRecord):
			result.Duplicates++
		default:
			p.logger.Warn("record insert failed",
				zap.String("task_id", record.TaskID.String()),
				zap.String("content_hash", record.ContentHash),
				zap.Error(err),
			)
			result.Malformed++
		}
	}
	return nil
}

// HasParseableRecords reports whether the output file contains at least one
// parseable record line. Used by the completion detector's evidence check.
func HasParseableRecords(path string) bool {
	chunk, _, err := readRange(path, 0)
	if err != nil || len(chunk) == 0 {
		return false
	}
	lines, _ := splitLines(chunk, true)
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if _, err := hash.Content(line); err == nil {
			return true
		}
	}
	return false
}

// CountParseableRecords returns how many parseable record lines the output
// file holds; used by the reconciler as file-derived ground truth.
func CountParseableRecords(path string) int64 {
	chunk, _, err := readRange(path, 0)
	if err != nil {
		return 0
	}
	lines, _ := splitLines(chunk, true)
	var n int64
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if _, err := hash.Content(line); err == nil {
			n++
		}
	}
	return n
}

// readRange reads [offset, EOF) and returns the chunk plus the file size at
// open time. A file shrinking below the offset (truncation) yields an empty
// chunk rather than an error.
func readRange(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat output: %w", err)
	}
	size := info.Size()
	if offset >= size {
		return nil, size, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, size, fmt.Errorf("seek output: %w", err)
	}
	chunk, err := io.ReadAll(io.LimitReader(f, size-offset))
	if err != nil {
		return nil, size, fmt.Errorf("read output: %w", err)
	}
	return chunk, size, nil
}

// splitLines splits the chunk on newlines and reports how many bytes were
// consumed. Without final, an unterminated trailing line is not consumed.
func splitLines(chunk []byte, final bool) ([][]byte, int64) {
	var (
		lines    [][]byte
		consumed int64
	)
	for {
		idx := bytes.IndexByte(chunk[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := chunk[consumed : consumed+int64(idx)]
		lines = append(lines, line)
		consumed += int64(idx) + 1
	}
	if final && consumed < int64(len(chunk)) {
		lines = append(lines, chunk[consumed:])
		consumed = int64(len(chunk))
	}
	return lines, consumed
}
