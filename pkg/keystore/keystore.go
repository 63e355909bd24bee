// Package keystore manages the Ed25519 signing keys used for manifest
// signatures and rotation attestations: generation, KID derivation,
// status lifecycle, and rotation. Grounded on the teacher's
// core/pkg/crypto/keyring.go (multi-key management keyed by KID) and
// core/pkg/kms/kms.go (file-permission discipline for key material),
// generalized with the valid_from/valid_to/grace window and attestation
// scheme the key record (cap-key.v1) requires that the teacher's KeyRing
// does not have.
package keystore

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capengine/cap/pkg/canonicalize"
	"github.com/capengine/cap/pkg/crypto"
)

// Status is a key's position in its lifecycle.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
	StatusRevoked Status = "revoked"
)

// Usage enumerates what a key may be used for.
type Usage string

const (
	UsageSigning  Usage = "signing"
	UsageRegistry Usage = "registry"
)

// Record is the cap-key.v1 key record. PrivateKey is never serialized by
// canonicalize.Hash calls on Record (it is excluded from the JSON tag set
// used for any preimage); it is kept here purely for in-process signing
// and must not cross a process boundary unencrypted.
type Record struct {
	KID          string          `json:"kid"`
	Owner        string          `json:"owner"`
	Algorithm    string          `json:"algorithm"`
	CreatedAt    time.Time       `json:"created_at"`
	ValidFrom    time.Time       `json:"valid_from"`
	ValidTo      time.Time       `json:"valid_to"`
	Status       Status          `json:"status"`
	Usage        []Usage         `json:"usage"`
	PublicKeyB64 string          `json:"public_key_b64"`
	Fingerprint  string          `json:"fingerprint"`
	PrivateKey   ed25519.PrivateKey `json:"-"`
}

// DeriveKID computes kid = hex(BLAKE3(public_key_b64))[0:32], i.e. the
// lowercase hex of the first 16 bytes of the BLAKE3 digest of the
// base64-encoded public key.
func DeriveKID(publicKeyB64 string) string {
	digest := crypto.BLAKE3([]byte(publicKeyB64))
	return crypto.HexLower(digest[:16])
}

// Attestation is the record a retiring key signs to authorize handing
// signing responsibility to a new key.
type Attestation struct {
	OldKID   string    `json:"old_kid"`
	NewKID   string    `json:"new_kid"`
	IssuedAt time.Time `json:"issued_at"`
	SigB64   string    `json:"sig_b64"`
}

var (
	ErrKeyNotFound       = errors.New("keystore: key not found")
	ErrKeyRevoked        = errors.New("keystore: key revoked")
	ErrKeyExpired        = errors.New("keystore: key expired")
	ErrAttestationInvalid = errors.New("keystore: attestation invalid")
)

// GraceWindow is how long a retired key's signatures remain acceptable
// past its valid_to, per the rotation procedure.
const GraceWindow = 24 * time.Hour

// Store manages the set of keys known to one engine instance. It is safe
// for concurrent use.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*Record
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[string]*Record)}
}

// Generate creates a fresh active key with the given owner, usages, and
// validity window, deriving its KID from the generated public key.
func (s *Store) Generate(owner string, usage []Usage, validFrom, validTo time.Time) (*Record, error) {
	pub, priv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate: %w", err)
	}
	pubB64 := crypto.B64Std(pub)
	kid := DeriveKID(pubB64)
	fp := crypto.HexLower(crypto.SHA3256(pub)[:])

	rec := &Record{
		KID:          kid,
		Owner:        owner,
		Algorithm:    "ed25519",
		CreatedAt:    validFrom,
		ValidFrom:    validFrom,
		ValidTo:      validTo,
		Status:       StatusActive,
		Usage:        usage,
		PublicKeyB64: pubB64,
		Fingerprint:  fp,
		PrivateKey:   priv,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kid] = rec
	return rec, nil
}

// Get returns the record for kid.
func (s *Store) Get(kid string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return rec, nil
}

// List returns every key record, sorted by KID for deterministic output,
// optionally filtered by status.
func (s *Store) List(status Status) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.keys))
	for _, rec := range s.keys {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KID < out[j].KID })
	return out
}

// Rotate retires oldKID and activates a fresh key for the same owner,
// producing a signed attestation linking the two. The retiring key's
// valid_to is set to now; its signatures remain acceptable until
// valid_to+GraceWindow per VerifySignature.
func (s *Store) Rotate(oldKID string, now time.Time, validTo time.Time) (newRec *Record, att Attestation, err error) {
	s.mu.Lock()
	old, ok := s.keys[oldKID]
	if !ok {
		s.mu.Unlock()
		return nil, Attestation{}, fmt.Errorf("%w: %s", ErrKeyNotFound, oldKID)
	}
	if old.Status == StatusRevoked {
		s.mu.Unlock()
		return nil, Attestation{}, fmt.Errorf("%w: %s", ErrKeyRevoked, oldKID)
	}
	s.mu.Unlock()

	pub, priv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		return nil, Attestation{}, fmt.Errorf("keystore: rotate: generate: %w", err)
	}
	pubB64 := crypto.B64Std(pub)
	newKID := DeriveKID(pubB64)

	attBody := Attestation{OldKID: oldKID, NewKID: newKID, IssuedAt: now}
	preimage, err := canonicalize.JSON(struct {
		OldKID   string    `json:"old_kid"`
		NewKID   string    `json:"new_kid"`
		IssuedAt time.Time `json:"issued_at"`
	}{attBody.OldKID, attBody.NewKID, attBody.IssuedAt})
	if err != nil {
		return nil, Attestation{}, fmt.Errorf("keystore: rotate: canonicalize attestation: %w", err)
	}
	sig := crypto.Ed25519Sign(old.PrivateKey, preimage)
	attBody.SigB64 = crypto.B64Std(sig)

	newRecord := &Record{
		KID:          newKID,
		Owner:        old.Owner,
		Algorithm:    "ed25519",
		CreatedAt:    now,
		ValidFrom:    now,
		ValidTo:      validTo,
		Status:       StatusActive,
		Usage:        old.Usage,
		PublicKeyB64: pubB64,
		Fingerprint:  crypto.HexLower(crypto.SHA3256(pub)[:]),
		PrivateKey:   priv,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old.Status = StatusRetired
	old.ValidTo = now
	s.keys[newKID] = newRecord

	return newRecord, attBody, nil
}

// VerifyAttestation checks that att.SigB64 is a valid signature by the
// key identified by att.OldKID over att's canonical body.
func VerifyAttestation(oldKeyPub ed25519.PublicKey, att Attestation) error {
	preimage, err := canonicalize.JSON(struct {
		OldKID   string    `json:"old_kid"`
		NewKID   string    `json:"new_kid"`
		IssuedAt time.Time `json:"issued_at"`
	}{att.OldKID, att.NewKID, att.IssuedAt})
	if err != nil {
		return fmt.Errorf("keystore: canonicalize attestation: %w", err)
	}
	sig, err := crypto.B64StdDecode(att.SigB64)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrAttestationInvalid, err)
	}
	if !crypto.Ed25519Verify(oldKeyPub, preimage, sig) {
		return ErrAttestationInvalid
	}
	return nil
}

// Revoke transitions a key to revoked, regardless of its current status.
// Revocation is immediate and has no grace window: VerifySignature rejects
// a revoked key's signatures even within what would otherwise be its
// grace period.
func (s *Store) Revoke(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[kid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	rec.Status = StatusRevoked
	return nil
}

// VerifySignature checks sig over data against the key identified by kid,
// enforcing status and the valid_from/valid_to+grace window at ts.
func (s *Store) VerifySignature(kid string, data, sig []byte, ts time.Time) error {
	rec, err := s.Get(kid)
	if err != nil {
		return err
	}
	if rec.Status == StatusRevoked {
		return fmt.Errorf("%w: %s", ErrKeyRevoked, kid)
	}
	if ts.Before(rec.ValidFrom) {
		return fmt.Errorf("%w: %s not yet valid at %s", ErrKeyExpired, kid, ts)
	}
	deadline := rec.ValidTo
	if rec.Status == StatusRetired {
		deadline = rec.ValidTo.Add(GraceWindow)
	}
	if ts.After(deadline) {
		return fmt.Errorf("%w: %s expired at %s (deadline %s)", ErrKeyExpired, kid, ts, deadline)
	}
	pub, err := crypto.B64StdDecode(rec.PublicKeyB64)
	if err != nil {
		return fmt.Errorf("keystore: decode public key: %w", err)
	}
	if !crypto.Ed25519Verify(pub, data, sig) {
		return fmt.Errorf("keystore: signature does not verify under %s", kid)
	}
	return nil
}

// fileMeta is the cap-key.v1 record as persisted in <kid>.meta.json: every
// Record field except the raw key material, which lives in the sibling
// .pub/.key files.
type fileMeta struct {
	KID          string    `json:"kid"`
	Owner        string    `json:"owner"`
	Algorithm    string    `json:"algorithm"`
	CreatedAt    time.Time `json:"created_at"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
	Status       Status    `json:"status"`
	Usage        []Usage   `json:"usage"`
	PublicKeyB64 string    `json:"public_key_b64"`
	Fingerprint  string    `json:"fingerprint"`
}

// atomicWriteFile writes data to path with perm: write a temp file in the
// same directory, fsync it, rename it over path, then fsync the containing
// directory so the rename itself survives a crash. Grounded on
// pkg/blobstore/walfile.go's saveLedger discipline.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("keystore: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("keystore: rename into place: %w", err)
	}
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("keystore: open dir %s for fsync: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("keystore: fsync dir %s: %w", dir, err)
	}
	return nil
}

// saveRecord persists rec under root as the keys/<kid>.{pub,key,meta.json}
// triple: the public key and metadata are world-readable (0644), the
// private key file is owner-only (0600), and PrivateKey is omitted
// entirely when rec carries none (a record loaded from a public-only
// source, e.g. a verifier that never holds signing material).
func saveRecord(root string, rec *Record) error {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("keystore: create key dir %s: %w", root, err)
	}

	pub, err := crypto.B64StdDecode(rec.PublicKeyB64)
	if err != nil {
		return fmt.Errorf("keystore: decode public key for %s: %w", rec.KID, err)
	}
	if err := atomicWriteFile(filepath.Join(root, rec.KID+".pub"), pub, 0o644); err != nil {
		return err
	}

	if len(rec.PrivateKey) > 0 {
		if err := atomicWriteFile(filepath.Join(root, rec.KID+".key"), rec.PrivateKey, 0o600); err != nil {
			return err
		}
	}

	meta := fileMeta{
		KID:          rec.KID,
		Owner:        rec.Owner,
		Algorithm:    rec.Algorithm,
		CreatedAt:    rec.CreatedAt,
		ValidFrom:    rec.ValidFrom,
		ValidTo:      rec.ValidTo,
		Status:       rec.Status,
		Usage:        rec.Usage,
		PublicKeyB64: rec.PublicKeyB64,
		Fingerprint:  rec.Fingerprint,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal meta for %s: %w", rec.KID, err)
	}
	return atomicWriteFile(filepath.Join(root, rec.KID+".meta.json"), raw, 0o644)
}

// Save persists the record for kid under root.
func (s *Store) Save(root, kid string) error {
	s.mu.RLock()
	rec, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return saveRecord(root, rec)
}

// SaveAll persists every key record known to s under root.
func (s *Store) SaveAll(root string) error {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.keys))
	for _, rec := range s.keys {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		if err := saveRecord(root, rec); err != nil {
			return err
		}
	}
	return nil
}

// loadRecord reconstructs the record for kid from the triple persisted
// under root. The .key file is optional: its absence (a revoked key
// whose private material was since shredded, or a public-only mirror)
// leaves Record.PrivateKey nil rather than failing the load.
func loadRecord(root, kid string) (*Record, error) {
	metaRaw, err := os.ReadFile(filepath.Join(root, kid+".meta.json"))
	if err != nil {
		return nil, fmt.Errorf("keystore: read meta for %s: %w", kid, err)
	}
	var meta fileMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("keystore: decode meta for %s: %w", kid, err)
	}

	rec := &Record{
		KID:          meta.KID,
		Owner:        meta.Owner,
		Algorithm:    meta.Algorithm,
		CreatedAt:    meta.CreatedAt,
		ValidFrom:    meta.ValidFrom,
		ValidTo:      meta.ValidTo,
		Status:       meta.Status,
		Usage:        meta.Usage,
		PublicKeyB64: meta.PublicKeyB64,
		Fingerprint:  meta.Fingerprint,
	}

	keyRaw, err := os.ReadFile(filepath.Join(root, kid+".key"))
	switch {
	case err == nil:
		rec.PrivateKey = ed25519.PrivateKey(keyRaw)
	case os.IsNotExist(err):
		// no private key file: rec stays public-only.
	default:
		return nil, fmt.Errorf("keystore: read private key for %s: %w", kid, err)
	}

	return rec, nil
}

// Load reconstructs a Store from every <kid>.meta.json triple found
// directly under root. A non-existent root loads as an empty store.
func Load(root string) (*Store, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return NewStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read dir %s: %w", root, err)
	}

	s := NewStore()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		kid := strings.TrimSuffix(e.Name(), ".meta.json")
		rec, err := loadRecord(root, kid)
		if err != nil {
			return nil, err
		}
		s.keys[kid] = rec
	}
	return s, nil
}
