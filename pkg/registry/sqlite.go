package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capengine/cap/pkg/capapi"
	"github.com/capengine/cap/pkg/store"
)

// SQLite is the durable registry backend: a WAL-mode sqlite database
// opened per pkg/store.OpenSQLite conventions (busy timeout, pool size
// floor). Grounded on the teacher's core/pkg/registry/postgres_registry.go
// upsert/select shape, adapted from Postgres JSONB columns to sqlite's
// plain-column schema and from bundle/rollout rows to commitment-pair
// entries.
type SQLite struct {
	db *sql.DB
}

const sqliteRegistrySchema = `
CREATE TABLE IF NOT EXISTS registry_entries (
	id TEXT PRIMARY KEY,
	manifest_hash TEXT NOT NULL,
	proof_hash TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	signature TEXT,
	public_key TEXT,
	kid TEXT,
	UNIQUE(manifest_hash, proof_hash)
);`

// NewSQLite opens (migrating if needed) a registry backed by db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteRegistrySchema); err != nil {
		return nil, fmt.Errorf("registry/sqlite: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) AddEntry(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	err := store.WithRetry(ctx, func(ctx context.Context) error {
		_, execErr := s.db.ExecContext(ctx, `
INSERT INTO registry_entries (id, manifest_hash, proof_hash, timestamp, signature, public_key, kid)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ManifestHash, e.ProofHash, e.Timestamp.Format(time.RFC3339Nano), e.Signature, e.PublicKey, e.KID)
		return execErr
	})
	if err != nil {
		if store.IsBusyError(err) {
			return Entry{}, capapi.Wrap(capapi.KindTransient, err, "registry/sqlite: add entry")
		}
		return Entry{}, capapi.New(capapi.KindConflict, "registry entry for (%s, %s) already exists", e.ManifestHash, e.ProofHash)
	}
	return e, nil
}

func (s *SQLite) FindByHashes(ctx context.Context, manifestHash, proofHash string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, manifest_hash, proof_hash, timestamp, signature, public_key, kid
FROM registry_entries WHERE manifest_hash = ? AND proof_hash = ?`, manifestHash, proofHash)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (Entry, error) {
	var e Entry
	var ts string
	var sig, pub, kid sql.NullString
	if err := row.Scan(&e.ID, &e.ManifestHash, &e.ProofHash, &ts, &sig, &pub, &kid); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, capapi.New(capapi.KindNotFound, "registry entry not found")
		}
		return Entry{}, fmt.Errorf("registry/sqlite: scan: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("registry/sqlite: parse timestamp: %w", err)
	}
	e.Timestamp = parsed
	e.Signature = sig.String
	e.PublicKey = pub.String
	e.KID = kid.String
	return e, nil
}

func (s *SQLite) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, manifest_hash, proof_hash, timestamp, signature, public_key, kid
FROM registry_entries ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var sig, pub, kid sql.NullString
		if err := rows.Scan(&e.ID, &e.ManifestHash, &e.ProofHash, &ts, &sig, &pub, &kid); err != nil {
			return nil, fmt.Errorf("registry/sqlite: scan list row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("registry/sqlite: parse timestamp: %w", err)
		}
		e.Timestamp = parsed
		e.Signature = sig.String
		e.PublicKey = pub.String
		e.KID = kid.String
		out = append(out, e)
	}
	return out, rows.Err()
}
