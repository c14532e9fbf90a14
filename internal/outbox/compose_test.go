package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oms-core/metadata-core/internal/docstore"
)

func TestPublishWithDocCommitsBothRowsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO oms_docs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO oms_outbox").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt-1"))
	mock.ExpectCommit()

	docStore := docstore.NewPGStore(db)
	outboxStore := NewPGStore(db)

	doc := docstore.Doc{ID: "d1", Kind: "ObjectType", Branch: "main", Payload: map[string]interface{}{"name": "Person"}}
	spec := PublishSpec{EventType: "object_type.created", Source: "oms", Subject: "d1", Payload: map[string]interface{}{"name": "Person"}}

	rec, inserted, err := PublishWithDoc(context.Background(), docStore, outboxStore, doc, spec, 3)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "evt-1", rec.EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishWithDocRollsBackOutboxWhenDocWriteFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO oms_docs").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	docStore := docstore.NewPGStore(db)
	outboxStore := NewPGStore(db)

	doc := docstore.Doc{ID: "d1", Kind: "ObjectType", Branch: "main"}
	spec := PublishSpec{EventType: "object_type.created", Source: "oms", Subject: "d1"}

	_, _, err = PublishWithDoc(context.Background(), docStore, outboxStore, doc, spec, 3)
	require.Error(t, err)
	// The mock only expects ExpectRollback, never ExpectQuery("INSERT INTO
	// oms_outbox") or ExpectCommit() — if the outbox insert ran or the
	// transaction committed despite the doc write failing, this fails.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishWithDocInMemoryComposesUnderDocStoreLock(t *testing.T) {
	docStore := docstore.NewInMemoryStore()
	outboxStore := NewInMemoryStore()

	doc := docstore.Doc{ID: "d1", Kind: "ObjectType", Branch: "main"}
	spec := PublishSpec{EventType: "object_type.created", Source: "oms", Subject: "d1"}

	rec, inserted, err := PublishWithDoc(context.Background(), docStore, outboxStore, doc, spec, 3)
	require.NoError(t, err)
	assert.True(t, inserted)

	docs, err := docStore.Query(context.Background(), docstore.QueryPattern{IDs: []string{"d1"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	stats, err := outboxStore.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, rec.Status, StatusPending)
}
