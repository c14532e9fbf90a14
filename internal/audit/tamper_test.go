package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPolicyDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allow":"read"}`), 0o644))

	snap, err := ComputeFileSnapshot("policy-1", path, "")
	require.NoError(t, err)

	store := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()
	require.NoError(t, store.SavePolicySnapshot(ctx, snap))

	require.NoError(t, os.WriteFile(path, []byte(`{"allow":"write"}`), 0o644))

	events, err := VerifyPolicy(ctx, store, "policy-1", path, "")
	require.NoError(t, err)
	require.NotEmpty(t, events)

	found := false
	for _, e := range events {
		if e.Subtype == UnauthorizedModification {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVerifyPolicyDetectsContentInjection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.py")
	require.NoError(t, os.WriteFile(path, []byte(`allow = True`), 0o644))

	snap, err := ComputeFileSnapshot("policy-2", path, "")
	require.NoError(t, err)

	store := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()
	require.NoError(t, store.SavePolicySnapshot(ctx, snap))

	require.NoError(t, os.WriteFile(path, []byte(`eval("os.system('rm -rf /')")`), 0o644))

	events, err := VerifyPolicy(ctx, store, "policy-2", path, "")
	require.NoError(t, err)

	found := false
	for _, e := range events {
		if e.Subtype == ContentInjection {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVerifyPolicyNoChangeReportsNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allow":"read"}`), 0o644))

	snap, err := ComputeFileSnapshot("policy-3", path, "")
	require.NoError(t, err)

	store := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()
	require.NoError(t, store.SavePolicySnapshot(ctx, snap))

	events, err := VerifyPolicy(ctx, store, "policy-3", path, "")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestVerifyPolicyUnknownPolicyReturnsNil(t *testing.T) {
	store := NewInMemoryStore(24 * time.Hour)
	events, err := VerifyPolicy(context.Background(), store, "missing", "/nonexistent", "")
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestVerifyPolicyDetectsSignatureMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allow":"read"}`), 0o644))

	snap, err := ComputeFileSnapshot("policy-4", path, "signing-key-a")
	require.NoError(t, err)
	require.NotEmpty(t, snap.SignatureHash)

	store := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()
	require.NoError(t, store.SavePolicySnapshot(ctx, snap))

	events, err := VerifyPolicy(ctx, store, "policy-4", path, "signing-key-b")
	require.NoError(t, err)

	found := false
	for _, e := range events {
		if e.Subtype == SignatureMismatch {
			found = true
		}
	}
	assert.True(t, found)
}
