package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreInsertAndQuery(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, Doc{ID: "d1", Kind: "ObjectType", Branch: "main", Payload: map[string]interface{}{"name": "Person"}}))
	require.NoError(t, s.Insert(ctx, Doc{ID: "d2", Kind: "LinkType", Branch: "main", Payload: map[string]interface{}{"name": "knows"}}))

	docs, err := s.Query(ctx, QueryPattern{Kind: "ObjectType"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
}

func TestInMemoryStoreInsertDuplicateFails(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Doc{ID: "d1", Kind: "ObjectType", Branch: "main"}))

	err := s.Insert(ctx, Doc{ID: "d1", Kind: "ObjectType", Branch: "main"})
	require.Error(t, err)
}

func TestInMemoryStoreTxnRollbackConvention(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	err := s.Txn(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Insert(ctx, Doc{ID: "d1", Kind: "ObjectType", Branch: "main"}))
		return assert.AnError
	})
	require.Error(t, err)
}

func TestCreateBranchInheritsParentHead(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	c, err := s.Commit(ctx, "main", map[string]interface{}{"v": 1}, "alice", "init")
	require.NoError(t, err)

	b, err := s.CreateBranch(ctx, "feature/x", "main")
	require.NoError(t, err)
	assert.Equal(t, c.ID, b.HeadCommitID)
}

func TestLCAncestorFindsSharedHistory(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base, err := s.Commit(ctx, "main", map[string]interface{}{"v": 1}, "alice", "base")
	require.NoError(t, err)

	_, err = s.CreateBranch(ctx, "feature/a", "main")
	require.NoError(t, err)
	_, err = s.CreateBranch(ctx, "feature/b", "main")
	require.NoError(t, err)

	a, err := s.Commit(ctx, "feature/a", map[string]interface{}{"v": 2}, "alice", "a")
	require.NoError(t, err)
	b, err := s.Commit(ctx, "feature/b", map[string]interface{}{"v": 3}, "bob", "b")
	require.NoError(t, err)

	lca, err := s.LCAncestor(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, base.ID, lca)
}

func TestLCAncestorNoCommonHistory(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.LCAncestor(ctx, "unknown-a", "unknown-b")
	require.Error(t, err)
}
