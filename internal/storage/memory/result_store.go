package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"spiderkeeper/internal/core"
)

// ResultStore is an in-memory core.ResultStore. The (task, content hash)
// uniqueness check lives under the same mutex that guards inserts, giving
// the same idempotency guarantee the Postgres unique constraint provides.
type ResultStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]core.ResultRecord
	seen    map[string]struct{}
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		records: make(map[uuid.UUID][]core.ResultRecord),
		seen:    make(map[string]struct{}),
	}
}

// InsertRecords inserts a batch, skipping duplicates. Returns the number
// of rows actually inserted.
func (s *ResultStore) InsertRecords(_ context.Context, records []core.ResultRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, record := range records {
		if s.insertLocked(record) {
			inserted++
		}
	}
	return inserted, nil
}

// InsertRecord inserts one record or returns ErrDuplicateRecord.
func (s *ResultStore) InsertRecord(_ context.Context, record core.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.insertLocked(record) {
		return core.ErrDuplicateRecord
	}
	return nil
}

func (s *ResultStore) insertLocked(record core.ResultRecord) bool {
	key := record.TaskID.String() + ":" + record.ContentHash
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.records[record.TaskID] = append(s.records[record.TaskID], record)
	return true
}

// CountRecords returns the persisted record count for a task.
func (s *ResultStore) CountRecords(_ context.Context, taskID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records[taskID])), nil
}

// ListRecords returns a task's records, newest first.
func (s *ResultStore) ListRecords(_ context.Context, taskID uuid.UUID, limit, offset int) ([]core.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[taskID]
	out := make([]core.ResultRecord, len(records))
	for i, record := range records {
		out[len(records)-1-i] = record
	}
	return paginate(out, limit, offset), nil
}

// dropTask removes a task's records; called by TaskStore.DeleteTask to
// mirror the database cascade.
func (s *ResultStore) dropTask(taskID uuid.UUID) {
	for _, record := range s.records[taskID] {
		delete(s.seen, record.TaskID.String()+":"+record.ContentHash)
	}
	delete(s.records, taskID)
}
