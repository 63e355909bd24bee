// Package registry tracks the uniqueness of published (manifest_hash,
// proof_hash) pairs across runs. Entries are append-only: once a pair is
// recorded, a second Add with the same pair fails closed rather than
// silently deduplicating. Grounded on the teacher's
// core/pkg/registry/registry.go Registry interface and InMemoryRegistry,
// generalized from bundle/rollout state to the protocol's append-only
// commitment-pair ledger.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capengine/cap/pkg/capapi"
)

// Entry is one registry record, unique by (ManifestHash, ProofHash).
type Entry struct {
	ID           string    `json:"id"`
	ManifestHash string    `json:"manifest_hash"`
	ProofHash    string    `json:"proof_hash"`
	Timestamp    time.Time `json:"timestamp"`
	Signature    string    `json:"signature,omitempty"`
	PublicKey    string    `json:"public_key,omitempty"`
	KID          string    `json:"kid,omitempty"`
}

// Registry is the uniform contract implemented by memory, sqlite, and
// Postgres backends: AddEntry, FindByHashes, List. It has no separate
// load or save operation.
type Registry interface {
	AddEntry(ctx context.Context, e Entry) (Entry, error)
	FindByHashes(ctx context.Context, manifestHash, proofHash string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// Memory is an in-process Registry, for tests and single-process use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry // keyed by manifestHash+"|"+proofHash
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func pairKey(manifestHash, proofHash string) string {
	return manifestHash + "|" + proofHash
}

// AddEntry records e, assigning a UUID if e.ID is empty. Duplicate
// (manifest_hash, proof_hash) pairs fail with KindConflict; the entry
// already recorded is never overwritten.
func (m *Memory) AddEntry(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(e.ManifestHash, e.ProofHash)
	if _, ok := m.entries[key]; ok {
		return Entry{}, capapi.New(capapi.KindConflict, "registry entry for (%s, %s) already exists", e.ManifestHash, e.ProofHash)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.entries[key] = e
	return e, nil
}

func (m *Memory) FindByHashes(_ context.Context, manifestHash, proofHash string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[pairKey(manifestHash, proofHash)]
	if !ok {
		return Entry{}, capapi.New(capapi.KindNotFound, "no registry entry for (%s, %s)", manifestHash, proofHash)
	}
	return e, nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// LookupFunc is the closure shape the verifier core accepts in place of a
// direct Registry reference, keeping it I/O-free. See pkg/verifier.
type LookupFunc func(manifestHash, proofHash string) bool

// Lookup adapts a Registry into a LookupFunc; any error (including
// NotFound) is treated as "not found".
func Lookup(ctx context.Context, r Registry) LookupFunc {
	return func(manifestHash, proofHash string) bool {
		_, err := r.FindByHashes(ctx, manifestHash, proofHash)
		return err == nil
	}
}
