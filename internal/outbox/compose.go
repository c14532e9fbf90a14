package outbox

import (
	"context"
	"database/sql"

	"github.com/oms-core/metadata-core/internal/docstore"
)

// PublishWithDoc writes a business document and its outbox record in the
// same DocStore transaction, so a rollback of one rolls back the other
// (spec §4.3 "the business row and outbox row commit or abort together";
// spec §8 "idempotency_key uniqueness is enforced at insert time in the
// same transaction as the business write"). When docStore is PostgreSQL-
// backed, the outbox insert enlists the identical *sql.Tx the DocStore
// transaction opened, via docstore.TxSQLProvider; the in-memory DocStore
// has no real transaction object, so outboxStore composes under its own
// lock instead, guarded by the DocStore's single-writer Txn lock.
func PublishWithDoc(ctx context.Context, docStore docstore.DocStore, outboxStore Store, doc docstore.Doc, spec PublishSpec, maxRetries int) (Record, bool, error) {
	var rec Record
	var inserted bool
	err := docStore.Txn(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Insert(ctx, doc); err != nil {
			return err
		}

		var sqlTx *sql.Tx
		if provider, ok := tx.(docstore.TxSQLProvider); ok {
			sqlTx = provider.SQLTx()
		}

		var err error
		rec, inserted, err = outboxStore.InsertTx(ctx, sqlTx, spec, maxRetries)
		return err
	})
	return rec, inserted, err
}
