package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPGStoreInsertIssuesExpectedSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPGStore(db, 24*time.Hour)
	_, err = store.Insert(context.Background(), Event{
		Action: "branch.create", ActorID: "u1", Target: Target{Kind: "Branch", ID: "main"}, Success: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreInsertBatchWritesIntegrityRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_integrity").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE audit_events SET batch_hash").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE audit_events SET batch_hash").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPGStore(db, 24*time.Hour)
	_, batch, err := store.InsertBatch(context.Background(), []Event{
		{Action: "branch.create", ActorID: "u1", Target: Target{Kind: "Branch", ID: "a"}, Success: true},
		{Action: "branch.create", ActorID: "u2", Target: Target{Kind: "Branch", ID: "b"}, Success: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, batch.BatchHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreArchiveExpiredReturnsRowCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE audit_events SET archived = TRUE").WillReturnResult(sqlmock.NewResult(0, 3))

	store := NewPGStore(db, 24*time.Hour)
	count, err := store.ArchiveExpired(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
