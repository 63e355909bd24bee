package blobstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/blobstore"
)

func TestMemory_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := blobstore.NewMemory()

	id1, err := m.Put(ctx, []byte("hello"), "text/plain")
	require.NoError(t, err)
	id2, err := m.Put(ctx, []byte("hello"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestMemory_PinPreventsGC(t *testing.T) {
	ctx := context.Background()
	m := blobstore.NewMemory()
	id, err := m.Put(ctx, []byte("pinned"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, m.Pin(ctx, id))

	removed, err := m.GC(ctx, false)
	require.NoError(t, err)
	require.Empty(t, removed)

	require.NoError(t, m.Unpin(ctx, id))
	removed, err = m.GC(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []string{id}, removed)

	exists, err := m.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMemory_GCDryRunDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	m := blobstore.NewMemory()
	id, err := m.Put(ctx, []byte("unpinned"), "text/plain")
	require.NoError(t, err)

	removed, err := m.GC(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []string{id}, removed)

	exists, err := m.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMemory_GetUnknownBlobIsNotFound(t *testing.T) {
	_, err := blobstore.NewMemory().Get(context.Background(), "0xdeadbeef")
	require.Error(t, err)
}

func TestWALFile_PutPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w1, err := blobstore.OpenWALFile(dir)
	require.NoError(t, err)
	id, err := w1.Put(ctx, []byte("durable"), "application/octet-stream")
	require.NoError(t, err)
	require.NoError(t, w1.Pin(ctx, id))

	w2, err := blobstore.OpenWALFile(dir)
	require.NoError(t, err)
	data, err := w2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), data)

	list, err := w2.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0].Refcount)
}

func TestWALFile_GCRemovesFileAndLedgerEntry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := blobstore.OpenWALFile(dir)
	require.NoError(t, err)

	id, err := w.Put(ctx, []byte("gc-me"), "text/plain")
	require.NoError(t, err)

	removed, err := w.GC(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []string{id}, removed)

	exists, err := w.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, exists)

	matches, statErr := filepath.Glob(filepath.Join(dir, id+".blob"))
	require.NoError(t, statErr)
	require.Empty(t, matches)
}

func TestBlobID_IsContentAddressed(t *testing.T) {
	a := blobstore.BlobID([]byte("same"))
	b := blobstore.BlobID([]byte("same"))
	c := blobstore.BlobID([]byte("different"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
