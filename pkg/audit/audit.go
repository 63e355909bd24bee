// Package audit implements the protocol's hash-chained evidence log:
// every state-changing operation across the engine (key rotation, policy
// registration, manifest binding, bundle assembly) appends one event here,
// and the chain can be independently verified for tamper evidence without
// trusting the store that holds it. Grounded on the teacher's
// core/pkg/store/audit_store.go, generalized from a single "entry hash"
// scheme to the spec's self_hash/prev_hash naming and SHA3-256 digest.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/capengine/cap/pkg/canonicalize"
	"github.com/capengine/cap/pkg/crypto"
)

// ErrChainBroken is returned by VerifyChain when an entry's self_hash does
// not match its recomputed digest, or its prev_hash does not match the
// preceding entry's self_hash.
var ErrChainBroken = errors.New("audit: chain broken")

// Event is one entry in the audit chain. Metadata holds event-specific
// fields (e.g. {"kid": "...", "action": "rotate"}); the preimage is
// tolerant of additional unknown fields being added to Metadata in future
// schema versions, since it hashes whatever canonical JSON the event
// produces rather than a fixed positional layout.
type Event struct {
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"ts"`
	EventType string                 `json:"event_type"`
	Subject   string                 `json:"subject"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	SelfHash  string                 `json:"self_hash"`
}

// hashable is the subset of Event hashed into SelfHash. SelfHash itself is
// excluded from its own preimage. ts is part of the preimage: two events
// identical but for their timestamp hash differently.
type hashable struct {
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"ts"`
	EventType string                 `json:"event_type"`
	Subject   string                 `json:"subject"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
}

func computeSelfHash(e Event) (string, error) {
	h, err := canonicalize.Hash(hashable{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		EventType: e.EventType,
		Subject:   e.Subject,
		Metadata:  e.Metadata,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: hash event: %w", err)
	}
	return "sha3-256:" + crypto.HexLower(h[:]), nil
}

// GenesisHash is the prev_hash of the first event in a chain.
const GenesisHash = "sha3-256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an in-memory, append-only hash-chained event log. It is safe for
// concurrent use. It does not persist anything itself; durability comes
// only from the caller persisting each returned Event (AppendJSONL writes
// one to a JSONL file).
type Log struct {
	mu    sync.RWMutex
	chain []Event
	head  string
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{head: GenesisHash}
}

// Append computes the next event's self_hash, chains it to the current
// head, and stores it.
func (l *Log) Append(eventType, subject string, metadata map[string]interface{}) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		Sequence:  uint64(len(l.chain)) + 1,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Subject:   subject,
		Metadata:  metadata,
		PrevHash:  l.head,
	}
	selfHash, err := computeSelfHash(e)
	if err != nil {
		return Event{}, err
	}
	e.SelfHash = selfHash

	l.chain = append(l.chain, e)
	l.head = e.SelfHash
	return e, nil
}

// Tail returns the n most recently appended events, oldest first. A zero
// or negative n, or an n beyond the chain length, returns the whole chain.
func (l *Log) Tail(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.chain) {
		n = len(l.chain)
	}
	out := make([]Event, n)
	copy(out, l.chain[len(l.chain)-n:])
	return out
}

// Head returns the chain's current tail_digest (the head hash, or
// GenesisHash for an empty chain) and its events_count.
func (l *Log) Head() (string, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, len(l.chain)
}

// Read paginates the chain by (offset, limit), oldest first. An offset at
// or beyond the chain length returns no events; a non-positive limit, or a
// limit beyond the remaining events, returns everything from offset on.
func (l *Log) Read(offset, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.chain) {
		return []Event{}
	}
	end := len(l.chain)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Event, end-offset)
	copy(out, l.chain[offset:end])
	return out
}

// Len reports how many events have been appended.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// ChainBreak describes a verification failure at a specific index.
type ChainBreak struct {
	Index  int
	Reason string
}

func (c ChainBreak) Error() string {
	return fmt.Sprintf("audit: chain break at index %d: %s", c.Index, c.Reason)
}

// VerifyChain recomputes every event's self_hash and checks prev_hash
// continuity. It returns the first ChainBreak encountered, wrapped in
// ErrChainBroken, or nil if the whole chain is internally consistent.
func VerifyChain(events []Event) error {
	prev := GenesisHash
	for i, e := range events {
		want, err := computeSelfHash(Event{
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
			EventType: e.EventType,
			Subject:   e.Subject,
			Metadata:  e.Metadata,
			PrevHash:  e.PrevHash,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChainBroken, err)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: %w", ErrChainBroken, ChainBreak{Index: i, Reason: "prev_hash does not match preceding self_hash"})
		}
		if e.SelfHash != want {
			return fmt.Errorf("%w: %w", ErrChainBroken, ChainBreak{Index: i, Reason: "self_hash digest mismatch"})
		}
		prev = e.SelfHash
	}
	return nil
}

// VerifyChain verifies the log's own chain from genesis.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain(l.chain)
}

// AppendJSONL appends e as one JSON line to the agent.audit.jsonl file at
// path, fsyncing before return so a crash never leaves a torn line
// observable to a reader. Grounded on pkg/blobstore/walfile.go's
// write-then-fsync discipline, adapted from a whole-file rewrite to a
// single O_APPEND write since JSONL only ever grows.
func AppendJSONL(path string, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return f.Sync()
}

// ExportJSONL writes the full events slice to path as JSON Lines, one
// sealed event per line, truncating any existing file and fsyncing once
// at the end.
func ExportJSONL(path string, events []Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("audit: encode event: %w", err)
		}
	}
	return f.Sync()
}

// LoadJSONL reads back a JSONL file written by AppendJSONL/ExportJSONL.
func LoadJSONL(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("audit: decode %s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, nil
}
