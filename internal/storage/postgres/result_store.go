package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"spiderkeeper/internal/core"
)

// ResultStore implements core.ResultStore using Postgres. The UNIQUE
// constraint on (task_id, content_hash) is the ingestion idempotency
// primitive: concurrent workers need no extra locking.
type ResultStore struct {
	pool querier
}

// NewResultStore creates a ResultStore on an existing pool.
func NewResultStore(pool querier) *ResultStore {
	return &ResultStore{pool: pool}
}

// InsertRecords inserts a batch of records; rows whose (task_id,
// content_hash) already exists are skipped by ON CONFLICT DO NOTHING.
// Returns the number of rows actually inserted.
func (s *ResultStore) InsertRecords(ctx context.Context, records []core.ResultRecord) (int64, error) {
	var inserted int64
	for _, record := range records {
		tag, err := s.pool.Exec(ctx, insertRecordQuery,
			record.ID,
			record.TaskID,
			record.Payload,
			record.ContentHash,
			record.IngestedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert result record: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

const insertRecordQuery = `
	INSERT INTO result_records (id, task_id, payload, content_hash, ingested_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (task_id, content_hash) DO NOTHING;
`

// InsertRecord inserts one record, returning ErrDuplicateRecord when the
// idempotency key already exists.
func (s *ResultStore) InsertRecord(ctx context.Context, record core.ResultRecord) error {
	tag, err := s.pool.Exec(ctx, insertRecordQuery,
		record.ID,
		record.TaskID,
		record.Payload,
		record.ContentHash,
		record.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrDuplicateRecord
	}
	return nil
}

// CountRecords returns the persisted record count for a task.
func (s *ResultStore) CountRecords(ctx context.Context, taskID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM result_records WHERE task_id = $1;`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count result records: %w", err)
	}
	return count, nil
}

// ListRecords returns a task's records, newest first.
func (s *ResultStore) ListRecords(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]core.ResultRecord, error) {
	query := `
		SELECT id, task_id, payload, content_hash, ingested_at
		FROM result_records
		WHERE task_id = $1
		ORDER BY ingested_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list result records: %w", err)
	}
	defer rows.Close()

	var records []core.ResultRecord
	for rows.Next() {
		var record core.ResultRecord
		err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.Payload,
			&record.ContentHash,
			&record.IngestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result record row: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// GetRecord loads a single record by ID.
func (s *ResultStore) GetRecord(ctx context.Context, id uuid.UUID) (core.ResultRecord, error) {
	query := `
		SELECT id, task_id, payload, content_hash, ingested_at
		FROM result_records
		WHERE id = $1;
	`
	var record core.ResultRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&record.ID,
		&record.TaskID,
		&record.Payload,
		&record.ContentHash,
		&record.IngestedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.ResultRecord{}, core.ErrNotFound
		}
		return core.ResultRecord{}, fmt.Errorf("failed to get result record: %w", err)
	}
	return record, nil
}
