// Package docstore defines the abstract persistence boundary the core
// writes through: a versioned, branch-aware document tree. The core treats
// DocStore as external and schema-agnostic; this package supplies a
// reference in-memory implementation for tests and a PostgreSQL
// implementation for production use.
package docstore

import (
	"context"
	"database/sql"
	"time"
)

// Doc is a generic, schema-free document the core persists and queries.
// Payload is a JSON-like tree (map[string]any, []any, primitives).
type Doc struct {
	ID      string
	Kind    string
	Branch  string
	Payload map[string]interface{}
}

// Commit is a versioned snapshot, opaque to the core except for ancestry.
type Commit struct {
	ID        string
	Branch    string
	ParentID  string
	Author    string
	Message   string
	Tree      map[string]interface{}
	CreatedAt time.Time
}

// Branch is a named line of history.
type Branch struct {
	Name          string
	ParentName    string
	HeadCommitID  string
	IsProtected   bool
	CreatedAt     time.Time
}

// QueryPattern filters a Query call. Fields left zero match anything.
type QueryPattern struct {
	Kind   string
	Branch string
	IDs    []string
}

// TxnFunc is executed within a DocStore transaction. Returning an error
// rolls the transaction back.
type TxnFunc func(ctx context.Context, tx Tx) error

// Tx is the transactional handle passed into a TxnFunc.
type Tx interface {
	Insert(ctx context.Context, doc Doc) error
	Replace(ctx context.Context, doc Doc) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, pattern QueryPattern) ([]Doc, error)
}

// TxSQLProvider is implemented by Tx handles backed by a real PostgreSQL
// transaction. Other stores (outbox, audit) type-assert a Tx against this
// interface to enlist their own writes in the same *sql.Tx as the
// business write it accompanies, so both commit or roll back together.
// The in-memory Tx does not implement it — there is no underlying
// *sql.Tx to share.
type TxSQLProvider interface {
	SQLTx() *sql.Tx
}

// DocStore is the abstract versioned document store the core depends on
// (spec §6). It never appears in business logic directly — subsystems
// depend on the narrower interfaces layered on top (see outbox.Store,
// audit.Store); outbox.PublishWithDoc opens a DocStore transaction
// directly to write a business row and an outbox row together.
type DocStore interface {
	Txn(ctx context.Context, fn TxnFunc) error

	Insert(ctx context.Context, doc Doc) error
	Replace(ctx context.Context, doc Doc) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, pattern QueryPattern) ([]Doc, error)

	CreateBranch(ctx context.Context, name, parent string) (Branch, error)
	GetBranch(ctx context.Context, name string) (Branch, bool, error)
	LCAncestor(ctx context.Context, commitA, commitB string) (string, error)
	Commit(ctx context.Context, branch string, tree map[string]interface{}, author, message string) (Commit, error)
}
