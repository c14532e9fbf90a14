package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oms-core/metadata-core/internal/omserrors"
)

// InMemoryStore is a non-durable DocStore for tests and local development,
// grounded on the dual in-memory/Postgres store shape used elsewhere in the
// core's storage layer.
type InMemoryStore struct {
	mu       sync.Mutex
	docs     map[string]Doc
	branches map[string]Branch
	commits  map[string]Commit
}

// NewInMemoryStore constructs an empty store with an implicit "main" branch.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		docs:     make(map[string]Doc),
		branches: make(map[string]Branch),
		commits:  make(map[string]Commit),
	}
	s.branches["main"] = Branch{Name: "main", IsProtected: true, CreatedAt: time.Now().UTC()}
	return s
}

// memTx implements Tx directly against the parent store's maps; callers
// already hold s.mu for the duration of the transaction body.
type memTx struct {
	s *InMemoryStore
}

func (t *memTx) Insert(_ context.Context, doc Doc) error {
	if _, exists := t.s.docs[doc.ID]; exists {
		return omserrors.InvalidInput("id", "document already exists")
	}
	t.s.docs[doc.ID] = doc
	return nil
}

func (t *memTx) Replace(_ context.Context, doc Doc) error {
	if _, exists := t.s.docs[doc.ID]; !exists {
		return omserrors.NotFound("doc", doc.ID)
	}
	t.s.docs[doc.ID] = doc
	return nil
}

func (t *memTx) Delete(_ context.Context, id string) error {
	delete(t.s.docs, id)
	return nil
}

func (t *memTx) Query(_ context.Context, pattern QueryPattern) ([]Doc, error) {
	return t.s.queryLocked(pattern), nil
}

// Txn runs fn holding the store's single writer lock for its duration. The
// in-memory store has no rollback: on error, callers must treat partial
// writes as uncommitted by convention, matching how tests use this adapter.
func (s *InMemoryStore) Txn(ctx context.Context, fn TxnFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memTx{s: s})
}

func (s *InMemoryStore) Insert(ctx context.Context, doc Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).Insert(ctx, doc)
}

func (s *InMemoryStore) Replace(ctx context.Context, doc Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).Replace(ctx, doc)
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).Delete(ctx, id)
}

func (s *InMemoryStore) Query(ctx context.Context, pattern QueryPattern) ([]Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(pattern), nil
}

func (s *InMemoryStore) queryLocked(pattern QueryPattern) []Doc {
	ids := make(map[string]struct{}, len(pattern.IDs))
	for _, id := range pattern.IDs {
		ids[id] = struct{}{}
	}
	var out []Doc
	for _, d := range s.docs {
		if pattern.Kind != "" && d.Kind != pattern.Kind {
			continue
		}
		if pattern.Branch != "" && d.Branch != pattern.Branch {
			continue
		}
		if len(ids) > 0 {
			if _, ok := ids[d.ID]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// CreateBranch registers a new branch rooted at parent's current head.
func (s *InMemoryStore) CreateBranch(_ context.Context, name, parent string) (Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.branches[name]; exists {
		return Branch{}, omserrors.InvalidInput("name", "branch already exists")
	}
	parentBranch, ok := s.branches[parent]
	if parent != "" && !ok {
		return Branch{}, omserrors.NotFound("branch", parent)
	}
	b := Branch{
		Name:         name,
		ParentName:   parent,
		HeadCommitID: parentBranch.HeadCommitID,
		CreatedAt:    time.Now().UTC(),
	}
	s.branches[name] = b
	return b, nil
}

// GetBranch returns a branch by name.
func (s *InMemoryStore) GetBranch(_ context.Context, name string) (Branch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	return b, ok, nil
}

// LCAncestor walks both commits' parent chains to find the lowest common
// ancestor, the most recent commit id reachable from both.
func (s *InMemoryStore) LCAncestor(_ context.Context, commitA, commitB string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ancestorsOf := func(start string) map[string]int {
		depth := map[string]int{}
		id := start
		d := 0
		for id != "" {
			if _, seen := depth[id]; seen {
				break
			}
			depth[id] = d
			c, ok := s.commits[id]
			if !ok {
				break
			}
			id = c.ParentID
			d++
		}
		return depth
	}

	aAncestors := ancestorsOf(commitA)
	bAncestors := ancestorsOf(commitB)

	best := ""
	bestDepth := -1
	for id, da := range aAncestors {
		db, ok := bAncestors[id]
		if !ok {
			continue
		}
		combined := da + db
		if bestDepth == -1 || combined < bestDepth {
			bestDepth = combined
			best = id
		}
	}
	if best == "" {
		return "", omserrors.NotFound("commit", "common ancestor of "+commitA+" and "+commitB)
	}
	return best, nil
}

// Commit creates a new versioned snapshot and advances the branch head.
func (s *InMemoryStore) Commit(_ context.Context, branch string, tree map[string]interface{}, author, message string) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[branch]
	if !ok {
		return Commit{}, omserrors.NotFound("branch", branch)
	}

	c := Commit{
		ID:        uuid.New().String(),
		Branch:    branch,
		ParentID:  b.HeadCommitID,
		Author:    author,
		Message:   message,
		Tree:      tree,
		CreatedAt: time.Now().UTC(),
	}
	s.commits[c.ID] = c
	b.HeadCommitID = c.ID
	s.branches[branch] = b
	return c, nil
}
