package registry_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/capengine/cap/pkg/registry"
)

func runRegistryContract(t *testing.T, r registry.Registry) {
	ctx := context.Background()

	e, err := r.AddEntry(ctx, registry.Entry{ManifestHash: "sha3-256:aaa", ProofHash: "sha3-256:bbb"})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)

	_, err = r.AddEntry(ctx, registry.Entry{ManifestHash: "sha3-256:aaa", ProofHash: "sha3-256:bbb"})
	require.Error(t, err)

	found, err := r.FindByHashes(ctx, "sha3-256:aaa", "sha3-256:bbb")
	require.NoError(t, err)
	require.Equal(t, e.ID, found.ID)

	_, err = r.FindByHashes(ctx, "sha3-256:zzz", "sha3-256:zzz")
	require.Error(t, err)

	_, err = r.AddEntry(ctx, registry.Entry{ManifestHash: "sha3-256:ccc", ProofHash: "sha3-256:ddd"})
	require.NoError(t, err)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestMemory_Contract(t *testing.T) {
	runRegistryContract(t, registry.NewMemory())
}

func TestSQLite_Contract(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r, err := registry.NewSQLite(db)
	require.NoError(t, err)

	runRegistryContract(t, r)
}

func TestLookup_AdaptsRegistryToClosure(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMemory()
	_, err := r.AddEntry(ctx, registry.Entry{ManifestHash: "sha3-256:m", ProofHash: "sha3-256:p"})
	require.NoError(t, err)

	lookup := registry.Lookup(ctx, r)
	require.True(t, lookup("sha3-256:m", "sha3-256:p"))
	require.False(t, lookup("sha3-256:m", "sha3-256:other"))
}
