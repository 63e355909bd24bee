package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capengine/cap/pkg/capapi"
)

// Store is the policy store contract: uniform save/get/get_by_hash/list/
// set_status, implemented by both a memory and a durable sqlite backend.
type Store interface {
	Save(ctx context.Context, meta Metadata, compiled IR) (Metadata, error)
	Get(ctx context.Context, id string) (Metadata, IR, error)
	GetByHash(ctx context.Context, hash string) (Metadata, IR, error)
	List(ctx context.Context, statusFilter Status) ([]Metadata, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

type policyRow struct {
	meta     Metadata
	compiled IR
}

// MemoryStore is an in-process policy store, for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]policyRow
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]policyRow)}
}

// Save persists meta/compiled. If id already maps to a different hash,
// Save fails with KindConflict rather than overwriting silently.
func (s *MemoryStore) Save(_ context.Context, meta Metadata, compiled IR) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[meta.ID]; ok && existing.meta.Hash != meta.Hash {
		return Metadata{}, capapi.New(capapi.KindConflict, "policy %s already stored with a different hash", meta.ID)
	}
	s.rows[meta.ID] = policyRow{meta: meta, compiled: compiled}
	return meta, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Metadata, IR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return Metadata{}, IR{}, capapi.New(capapi.KindNotFound, "policy %s", id)
	}
	return row.meta, row.compiled, nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (Metadata, IR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows {
		if row.meta.Hash == hash {
			return row.meta, row.compiled, nil
		}
	}
	return Metadata{}, IR{}, capapi.New(capapi.KindNotFound, "policy with hash %s", hash)
}

func (s *MemoryStore) List(_ context.Context, statusFilter Status) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.rows))
	for _, row := range s.rows {
		if statusFilter != "" && row.meta.Status != statusFilter {
			continue
		}
		out = append(out, row.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return capapi.New(capapi.KindNotFound, "policy %s", id)
	}
	row.meta.Status = status
	row.meta.UpdatedAt = time.Now().UTC()
	s.rows[id] = row
	return nil
}

// SQLiteStore is the durable policy store backend, grounded on the
// teacher's core/pkg/store/receipt_store_sqlite.go migration-on-open and
// scan-helper pattern.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (migrating if needed) a policy store backed by db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	hash TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	description TEXT,
	ir_json TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("policy/sqlite: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, meta Metadata, compiled IR) (Metadata, error) {
	var existingHash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM policies WHERE id = ?`, meta.ID).Scan(&existingHash)
	if err == nil && existingHash != meta.Hash {
		return Metadata{}, capapi.New(capapi.KindConflict, "policy %s already stored with a different hash", meta.ID)
	}

	irJSON, err := json.Marshal(compiled)
	if err != nil {
		return Metadata{}, fmt.Errorf("policy/sqlite: marshal ir: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO policies (id, name, version, hash, status, created_at, updated_at, description, ir_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name, version=excluded.version, hash=excluded.hash,
	status=excluded.status, updated_at=excluded.updated_at,
	description=excluded.description, ir_json=excluded.ir_json`,
		meta.ID, meta.Name, meta.Version, meta.Hash, string(meta.Status),
		meta.CreatedAt.Format(time.RFC3339Nano), meta.UpdatedAt.Format(time.RFC3339Nano),
		meta.Description, string(irJSON))
	if err != nil {
		return Metadata{}, fmt.Errorf("policy/sqlite: upsert: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStore) scanRow(row *sql.Row) (Metadata, IR, error) {
	var meta Metadata
	var status, createdAt, updatedAt, irJSON string
	if err := row.Scan(&meta.ID, &meta.Name, &meta.Version, &meta.Hash, &status, &createdAt, &updatedAt, &meta.Description, &irJSON); err != nil {
		if err == sql.ErrNoRows {
			return Metadata{}, IR{}, capapi.New(capapi.KindNotFound, "policy not found")
		}
		return Metadata{}, IR{}, fmt.Errorf("policy/sqlite: scan: %w", err)
	}
	meta.Status = Status(status)
	meta.CreatedAt, _ = parseTime(createdAt)
	meta.UpdatedAt, _ = parseTime(updatedAt)

	var ir IR
	if err := json.Unmarshal([]byte(irJSON), &ir); err != nil {
		return Metadata{}, IR{}, fmt.Errorf("policy/sqlite: unmarshal ir: %w", err)
	}
	return meta, ir, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Metadata, IR, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, version, hash, status, created_at, updated_at, description, ir_json FROM policies WHERE id = ?`, id)
	return s.scanRow(row)
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (Metadata, IR, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, version, hash, status, created_at, updated_at, description, ir_json FROM policies WHERE hash = ?`, hash)
	return s.scanRow(row)
}

func (s *SQLiteStore) List(ctx context.Context, statusFilter Status) ([]Metadata, error) {
	query := `SELECT id, name, version, hash, status, created_at, updated_at, description FROM policies`
	args := []interface{}{}
	if statusFilter != "" {
		query += ` WHERE status = ?`
		args = append(args, string(statusFilter))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("policy/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var meta Metadata
		var status, createdAt, updatedAt string
		if err := rows.Scan(&meta.ID, &meta.Name, &meta.Version, &meta.Hash, &status, &createdAt, &updatedAt, &meta.Description); err != nil {
			return nil, fmt.Errorf("policy/sqlite: scan list row: %w", err)
		}
		meta.Status = Status(status)
		meta.CreatedAt, _ = parseTime(createdAt)
		meta.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE policies SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("policy/sqlite: set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("policy/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return capapi.New(capapi.KindNotFound, "policy %s", id)
	}
	return nil
}
