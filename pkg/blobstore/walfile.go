package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/capengine/cap/pkg/capapi"
)

// ledgerEntry mirrors Metadata in a form stable for JSON persistence.
type ledgerEntry struct {
	MediaType string `json:"media_type"`
	Size      int    `json:"size"`
	Refcount  int    `json:"refcount"`
}

// WALFile is a durable blob store backend: blob bytes are written to
// individual content-addressed files, and a single ledger file tracking
// media type and refcount is rewritten atomically (write to a temp file,
// fsync, rename over the target) on every mutation. Grounded on the
// teacher's core/pkg/store/airgap.go full-file-rewrite persistence
// pattern, generalized from a single JSON blob to one ledger plus
// per-blob content files so that blob bytes are never held twice in
// memory during a save.
type WALFile struct {
	mu      sync.Mutex
	dir     string
	ledger  map[string]ledgerEntry
}

// OpenWALFile opens (creating if absent) a durable blob store rooted at
// dir.
func OpenWALFile(dir string) (*WALFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: create dir %s: %w", dir, err)
	}
	w := &WALFile{dir: dir, ledger: make(map[string]ledgerEntry)}
	if err := w.loadLedger(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WALFile) ledgerPath() string {
	return filepath.Join(w.dir, "ledger.json")
}

func (w *WALFile) blobPath(blobID string) string {
	return filepath.Join(w.dir, blobID+".blob")
}

func (w *WALFile) loadLedger() error {
	raw, err := os.ReadFile(w.ledgerPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("blobstore: read ledger: %w", err)
	}
	return json.Unmarshal(raw, &w.ledger)
}

// saveLedger rewrites the whole ledger file atomically: write to a temp
// file in the same directory, fsync it, rename over the target so a
// reader never observes a partially written ledger, then fsync the
// directory so the rename itself is durable.
func (w *WALFile) saveLedger() error {
	raw, err := json.MarshalIndent(w.ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("blobstore: marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, "ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("blobstore: create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: fsync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, w.ledgerPath()); err != nil {
		return fmt.Errorf("blobstore: rename ledger into place: %w", err)
	}
	d, err := os.Open(w.dir)
	if err != nil {
		return fmt.Errorf("blobstore: open dir for fsync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("blobstore: fsync dir: %w", err)
	}
	return nil
}

func (w *WALFile) Put(_ context.Context, data []byte, mediaType string) (string, error) {
	id := BlobID(data)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.ledger[id]; ok {
		return id, nil
	}

	if err := os.WriteFile(w.blobPath(id), data, 0o600); err != nil {
		return "", fmt.Errorf("blobstore: write blob %s: %w", id, err)
	}
	w.ledger[id] = ledgerEntry{MediaType: mediaType, Size: len(data)}
	if err := w.saveLedger(); err != nil {
		return "", err
	}
	return id, nil
}

func (w *WALFile) Get(_ context.Context, blobID string) ([]byte, error) {
	w.mu.Lock()
	_, ok := w.ledger[blobID]
	w.mu.Unlock()
	if !ok {
		return nil, capapi.New(capapi.KindNotFound, "blob %s", blobID)
	}
	data, err := os.ReadFile(w.blobPath(blobID))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob %s: %w", blobID, err)
	}
	return data, nil
}

func (w *WALFile) Exists(_ context.Context, blobID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ledger[blobID]
	return ok, nil
}

func (w *WALFile) Pin(_ context.Context, blobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.ledger[blobID]
	if !ok {
		return capapi.New(capapi.KindNotFound, "blob %s", blobID)
	}
	e.Refcount++
	w.ledger[blobID] = e
	return w.saveLedger()
}

func (w *WALFile) Unpin(_ context.Context, blobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.ledger[blobID]
	if !ok {
		return capapi.New(capapi.KindNotFound, "blob %s", blobID)
	}
	if e.Refcount > 0 {
		e.Refcount--
	}
	w.ledger[blobID] = e
	return w.saveLedger()
}

func (w *WALFile) GC(_ context.Context, dryRun bool) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []string
	for id, e := range w.ledger {
		if e.Refcount == 0 {
			removed = append(removed, id)
		}
	}
	if dryRun {
		return removed, nil
	}
	for _, id := range removed {
		if err := os.Remove(w.blobPath(id)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("blobstore: gc remove blob %s: %w", id, err)
		}
		delete(w.ledger, id)
	}
	if err := w.saveLedger(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (w *WALFile) List(_ context.Context) ([]Metadata, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Metadata, 0, len(w.ledger))
	for id, e := range w.ledger {
		out = append(out, Metadata{BlobID: id, MediaType: e.MediaType, Size: e.Size, Refcount: e.Refcount})
	}
	return out, nil
}
