package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/capengine/cap/pkg/capapi"
)

// Postgres is the Postgres-flavored durable registry alternative,
// grounded directly on the teacher's core/pkg/registry/postgres_registry.go
// upsert-with-ON-CONFLICT shape, narrowed from upsert to strict
// insert-or-fail since registry writes are append-only.
type Postgres struct {
	db *sql.DB
}

const postgresRegistrySchema = `
CREATE TABLE IF NOT EXISTS registry_entries (
	id TEXT PRIMARY KEY,
	manifest_hash TEXT NOT NULL,
	proof_hash TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	signature TEXT,
	public_key TEXT,
	kid TEXT,
	UNIQUE (manifest_hash, proof_hash)
);`

// NewPostgres wraps db as a Postgres-backed Registry. Callers open db with
// "postgres" (github.com/lib/pq registers the driver via blank import in
// this file).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Init runs the registry_entries migration. Separate from NewPostgres so
// tests against github.com/DATA-DOG/go-sqlmock can stub expectations
// precisely, mirroring the teacher's PostgresRegistry.Init split.
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresRegistrySchema)
	return err
}

func (p *Postgres) AddEntry(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx, `
INSERT INTO registry_entries (id, manifest_hash, proof_hash, timestamp, signature, public_key, kid)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ManifestHash, e.ProofHash, e.Timestamp, e.Signature, e.PublicKey, e.KID)
	if err != nil {
		return Entry{}, capapi.New(capapi.KindConflict, "registry entry for (%s, %s) already exists", e.ManifestHash, e.ProofHash)
	}
	return e, nil
}

func (p *Postgres) FindByHashes(ctx context.Context, manifestHash, proofHash string) (Entry, error) {
	row := p.db.QueryRowContext(ctx, `
SELECT id, manifest_hash, proof_hash, timestamp, signature, public_key, kid
FROM registry_entries WHERE manifest_hash = $1 AND proof_hash = $2`, manifestHash, proofHash)

	var e Entry
	var sig, pub, kid sql.NullString
	if err := row.Scan(&e.ID, &e.ManifestHash, &e.ProofHash, &e.Timestamp, &sig, &pub, &kid); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, capapi.New(capapi.KindNotFound, "registry entry not found")
		}
		return Entry{}, fmt.Errorf("registry/postgres: scan: %w", err)
	}
	e.Signature, e.PublicKey, e.KID = sig.String, pub.String, kid.String
	return e, nil
}

func (p *Postgres) List(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, manifest_hash, proof_hash, timestamp, signature, public_key, kid
FROM registry_entries ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sig, pub, kid sql.NullString
		if err := rows.Scan(&e.ID, &e.ManifestHash, &e.ProofHash, &e.Timestamp, &sig, &pub, &kid); err != nil {
			return nil, fmt.Errorf("registry/postgres: scan list row: %w", err)
		}
		e.Signature, e.PublicKey, e.KID = sig.String, pub.String, kid.String
		out = append(out, e)
	}
	return out, rows.Err()
}
