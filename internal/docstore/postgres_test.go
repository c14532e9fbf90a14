package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPGStoreInsertIssuesExpectedSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO oms_docs").
		WithArgs("d1", "ObjectType", "main", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPGStore(db)
	err = store.Insert(context.Background(), Doc{ID: "d1", Kind: "ObjectType", Branch: "main", Payload: map[string]interface{}{"name": "Person"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreTxnCommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO oms_docs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPGStore(db)
	err = store.Txn(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, Doc{ID: "d1", Kind: "ObjectType", Branch: "main"})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreTxnRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	store := NewPGStore(db)
	err = store.Txn(context.Background(), func(ctx context.Context, tx Tx) error {
		return errors.New("business write failed")
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
