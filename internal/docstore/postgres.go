package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Open establishes a PostgreSQL connection and verifies connectivity with a
// ping, mirroring the platform's database bootstrap helper.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PGStore implements DocStore on PostgreSQL tables.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed DocStore.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Insert(ctx context.Context, doc Doc) error {
	return insertDoc(ctx, t.tx, doc)
}

func (t *pgTx) Replace(ctx context.Context, doc Doc) error {
	return replaceDoc(ctx, t.tx, doc)
}

func (t *pgTx) Delete(ctx context.Context, id string) error {
	return deleteDoc(ctx, t.tx, id)
}

func (t *pgTx) Query(ctx context.Context, pattern QueryPattern) ([]Doc, error) {
	return queryDocs(ctx, t.tx, pattern)
}

// SQLTx exposes the underlying transaction so other stores can enlist
// their own writes in it (docstore.TxSQLProvider).
func (t *pgTx) SQLTx() *sql.Tx {
	return t.tx
}

// Txn executes fn inside a single PostgreSQL transaction.
func (s *PGStore) Txn(ctx context.Context, fn TxnFunc) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) Insert(ctx context.Context, doc Doc) error {
	return insertDoc(ctx, s.DB, doc)
}

func (s *PGStore) Replace(ctx context.Context, doc Doc) error {
	return replaceDoc(ctx, s.DB, doc)
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	return deleteDoc(ctx, s.DB, id)
}

func (s *PGStore) Query(ctx context.Context, pattern QueryPattern) ([]Doc, error) {
	return queryDocs(ctx, s.DB, pattern)
}

func insertDoc(ctx context.Context, ex sqlExecutor, doc Doc) error {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO oms_docs (id, kind, branch, payload)
		VALUES ($1, $2, $3, $4)
	`, doc.ID, doc.Kind, doc.Branch, payload)
	return err
}

func replaceDoc(ctx context.Context, ex sqlExecutor, doc Doc) error {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		UPDATE oms_docs SET kind = $2, branch = $3, payload = $4 WHERE id = $1
	`, doc.ID, doc.Kind, doc.Branch, payload)
	return err
}

func deleteDoc(ctx context.Context, ex sqlExecutor, id string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM oms_docs WHERE id = $1`, id)
	return err
}

func queryDocs(ctx context.Context, ex sqlExecutor, pattern QueryPattern) ([]Doc, error) {
	query := `SELECT id, kind, branch, payload FROM oms_docs WHERE 1=1`
	var args []interface{}
	argN := 1
	if pattern.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argN)
		args = append(args, pattern.Kind)
		argN++
	}
	if pattern.Branch != "" {
		query += fmt.Sprintf(" AND branch = $%d", argN)
		args = append(args, pattern.Branch)
		argN++
	}
	if len(pattern.IDs) > 0 {
		query += fmt.Sprintf(" AND id = ANY($%d)", argN)
		args = append(args, pq.Array(pattern.IDs))
		argN++
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var d Doc
		var payload []byte
		if err := rows.Scan(&d.ID, &d.Kind, &d.Branch, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &d.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateBranch inserts a new branch row rooted at the parent's current head.
func (s *PGStore) CreateBranch(ctx context.Context, name, parent string) (Branch, error) {
	var headCommitID string
	if parent != "" {
		err := s.DB.QueryRowContext(ctx, `SELECT head_commit_id FROM oms_branches WHERE name = $1`, parent).Scan(&headCommitID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Branch{}, err
		}
	}
	b := Branch{Name: name, ParentName: parent, HeadCommitID: headCommitID, CreatedAt: time.Now().UTC()}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oms_branches (name, parent_name, head_commit_id, is_protected, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, b.Name, b.ParentName, b.HeadCommitID, b.IsProtected, b.CreatedAt)
	return b, err
}

// GetBranch fetches a branch by name.
func (s *PGStore) GetBranch(ctx context.Context, name string) (Branch, bool, error) {
	var b Branch
	err := s.DB.QueryRowContext(ctx, `
		SELECT name, parent_name, head_commit_id, is_protected, created_at
		FROM oms_branches WHERE name = $1
	`, name).Scan(&b.Name, &b.ParentName, &b.HeadCommitID, &b.IsProtected, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, false, nil
	}
	if err != nil {
		return Branch{}, false, err
	}
	return b, true, nil
}

// LCAncestor walks parent_id chains in SQL-fetched form to find the lowest
// common ancestor commit.
func (s *PGStore) LCAncestor(ctx context.Context, commitA, commitB string) (string, error) {
	ancestors := func(start string) (map[string]int, error) {
		depth := map[string]int{}
		id := start
		d := 0
		for id != "" {
			if _, seen := depth[id]; seen {
				break
			}
			depth[id] = d
			var parentID string
			err := s.DB.QueryRowContext(ctx, `SELECT parent_id FROM oms_commits WHERE id = $1`, id).Scan(&parentID)
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			if err != nil {
				return nil, err
			}
			id = parentID
			d++
		}
		return depth, nil
	}

	aAncestors, err := ancestors(commitA)
	if err != nil {
		return "", err
	}
	bAncestors, err := ancestors(commitB)
	if err != nil {
		return "", err
	}

	best := ""
	bestDepth := -1
	for id, da := range aAncestors {
		db, ok := bAncestors[id]
		if !ok {
			continue
		}
		if combined := da + db; bestDepth == -1 || combined < bestDepth {
			bestDepth = combined
			best = id
		}
	}
	if best == "" {
		return "", fmt.Errorf("no common ancestor of %s and %s", commitA, commitB)
	}
	return best, nil
}

// Commit inserts a new commit row and advances the branch head, atomically.
func (s *PGStore) Commit(ctx context.Context, branch string, tree map[string]interface{}, author, message string) (Commit, error) {
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return Commit{}, err
	}

	var c Commit
	c.Branch = branch
	c.Author = author
	c.Message = message
	c.Tree = tree
	c.CreatedAt = time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Commit{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var headCommitID string
	err = tx.QueryRowContext(ctx, `SELECT head_commit_id FROM oms_branches WHERE name = $1 FOR UPDATE`, branch).Scan(&headCommitID)
	if err != nil {
		return Commit{}, err
	}
	c.ParentID = headCommitID

	err = tx.QueryRowContext(ctx, `
		INSERT INTO oms_commits (branch, parent_id, author, message, tree, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, c.Branch, c.ParentID, c.Author, c.Message, treeJSON, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return Commit{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE oms_branches SET head_commit_id = $1 WHERE name = $2`, c.ID, branch); err != nil {
		return Commit{}, err
	}

	if err := tx.Commit(); err != nil {
		return Commit{}, err
	}
	return c, nil
}
