// Package store provides the shared durable-storage primitives for the
// sqlite-backed policy store and registry: a consistently-configured
// sqlite connection pool and a lock-acquisition order guard. The blob
// store's WAL-file backend does not use this package. Grounded on the teacher's core/pkg/store/receipt_store_sqlite.go
// (migration-on-open, database/sql pooling pattern) and
// core/pkg/kernel/error_ir.go's backoff shape, adapted to real jitter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capengine/cap/pkg/capapi"
)

// SQLiteConfig configures a pooled WAL-mode sqlite connection.
type SQLiteConfig struct {
	Path            string
	BusyTimeoutMS   int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

// DefaultSQLiteConfig mirrors the teacher's receipt store defaults: WAL
// mode, a 5 second busy timeout, and a pool of at least 4 connections so
// readers are not serialized behind a single writer.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:            path,
		BusyTimeoutMS:   5000,
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// OpenSQLite opens a pooled sqlite database in WAL mode with the
// configured busy timeout. Callers are responsible for running their own
// schema migration against the returned handle.
func OpenSQLite(cfg SQLiteConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// IsBusyError reports whether err looks like a sqlite "database is
// locked"/"busy" condition, the signal that a caller should classify the
// failure as capapi.KindTransient rather than surfacing it directly.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "busy")
}

// WithRetry runs fn under the default retry policy, classifying sqlite
// busy errors as Transient so capapi.Retry's backoff applies to them.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return capapi.Retry(capapi.DefaultRetryPolicy, func() error {
		err := fn(ctx)
		if err != nil && IsBusyError(err) {
			return capapi.Wrap(capapi.KindTransient, err, "store busy")
		}
		return err
	})
}

// Resource names a store guarded by the fixed lock order below, used only
// by the order-checking test helper in lockorder.go.
type Resource int

const (
	ResourceKeys Resource = iota
	ResourcePolicies
	ResourceRegistry
	ResourceBlobs
	ResourceAudit
)

// LockOrder is the fixed acquisition order every component must respect
// when it needs more than one store's lock at once: keys, then policies,
// then registry, then blobs, then audit. Components that only ever touch
// one store's lock do not need to consult this.
var LockOrder = []Resource{ResourceKeys, ResourcePolicies, ResourceRegistry, ResourceBlobs, ResourceAudit}
