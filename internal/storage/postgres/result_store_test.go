package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"spiderkeeper/internal/core"
)

func TestInsertRecordDuplicateSkipped(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewResultStore(mock)
	record := core.ResultRecord{
		ID:          uuid.New(),
		TaskID:      uuid.New(),
		Payload:     []byte(`{"url":"https://example.com/p/1"}`),
		ContentHash: "abc123",
		IngestedAt:  time.Unix(1700000000, 0).UTC(),
	}

	mock.ExpectExec("INSERT INTO result_records").
		WithArgs(record.ID, record.TaskID, record.Payload, record.ContentHash, record.IngestedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.InsertRecord(context.Background(), record)
	require.ErrorIs(t, err, core.ErrDuplicateRecord)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRecordsCountsInserted(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewResultStore(mock)
	taskID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	records := []core.ResultRecord{
		{ID: uuid.New(), TaskID: taskID, Payload: []byte(`{"url":"a"}`), ContentHash: "h1", IngestedAt: now},
		{ID: uuid.New(), TaskID: taskID, Payload: []byte(`{"url":"b"}`), ContentHash: "h2", IngestedAt: now},
	}

	mock.ExpectExec("INSERT INTO result_records").
		WithArgs(records[0].ID, taskID, records[0].Payload, "h1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO result_records").
		WithArgs(records[1].ID, taskID, records[1].Payload, "h2", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.InsertRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, int64(1), inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountRecords(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewResultStore(mock)
	taskID := uuid.New()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(taskID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := store.CountRecords(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, int64(42), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
