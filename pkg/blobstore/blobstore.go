// Package blobstore implements the content-addressable blob store: blobs
// are keyed by the BLAKE3 digest of their bytes, puts are idempotent, and
// reference counting via pin/unpin gates garbage collection. Grounded on
// the teacher's core/pkg/artifacts package (Store contract, S3Store
// content-addressing by hash, FileStore local persistence) and
// core/pkg/store/airgap.go's atomic full-file rewrite pattern, generalized
// from SHA-256 to BLAKE3 addressing and from a fixed artifact envelope to
// a bare blob+media-type+refcount model.
package blobstore

import (
	"context"
	"sync"

	"github.com/capengine/cap/pkg/capapi"
	"github.com/capengine/cap/pkg/crypto"
)

// Metadata describes one stored blob without its bytes.
type Metadata struct {
	BlobID    string `json:"blob_id"`
	MediaType string `json:"media_type"`
	Size      int    `json:"size"`
	Refcount  int    `json:"refcount"`
}

// Store is the blob store contract; every backend implements it
// identically from the caller's perspective.
type Store interface {
	Put(ctx context.Context, data []byte, mediaType string) (string, error)
	Get(ctx context.Context, blobID string) ([]byte, error)
	Exists(ctx context.Context, blobID string) (bool, error)
	Pin(ctx context.Context, blobID string) error
	Unpin(ctx context.Context, blobID string) error
	GC(ctx context.Context, dryRun bool) ([]string, error)
	List(ctx context.Context) ([]Metadata, error)
}

// BlobID computes blob_id = BLAKE3(data), rendered as "0x"-prefixed lower
// hex per the protocol's hash textual form.
func BlobID(data []byte) string {
	h := crypto.BLAKE3(data)
	return "0x" + crypto.HexLower(h[:])
}

type entry struct {
	data      []byte
	mediaType string
	refcount  int
}

// Memory is an in-process blob store backend, for tests and for callers
// that do not need durability across process restarts.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry)}
}

// Put stores data under its content hash. Calling Put again with the same
// bytes is a no-op beyond returning the same blob_id: refcount only moves
// via explicit Pin/Unpin.
func (m *Memory) Put(_ context.Context, data []byte, mediaType string) (string, error) {
	id := BlobID(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		m.entries[id] = &entry{data: append([]byte(nil), data...), mediaType: mediaType}
	}
	return id, nil
}

func (m *Memory) Get(_ context.Context, blobID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[blobID]
	if !ok {
		return nil, capapi.New(capapi.KindNotFound, "blob %s", blobID)
	}
	return append([]byte(nil), e.data...), nil
}

func (m *Memory) Exists(_ context.Context, blobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[blobID]
	return ok, nil
}

func (m *Memory) Pin(_ context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[blobID]
	if !ok {
		return capapi.New(capapi.KindNotFound, "blob %s", blobID)
	}
	e.refcount++
	return nil
}

func (m *Memory) Unpin(_ context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[blobID]
	if !ok {
		return capapi.New(capapi.KindNotFound, "blob %s", blobID)
	}
	if e.refcount > 0 {
		e.refcount--
	}
	return nil
}

// GC removes every blob with refcount zero. When dryRun is true, no blob
// is actually deleted; the caller only learns what would be removed.
func (m *Memory) GC(_ context.Context, dryRun bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, e := range m.entries {
		if e.refcount == 0 {
			removed = append(removed, id)
		}
	}
	if !dryRun {
		for _, id := range removed {
			delete(m.entries, id)
		}
	}
	return removed, nil
}

func (m *Memory) List(_ context.Context) ([]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metadata, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, Metadata{BlobID: id, MediaType: e.mediaType, Size: len(e.data), Refcount: e.refcount})
	}
	return out, nil
}
