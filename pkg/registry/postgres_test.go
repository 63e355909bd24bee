package registry_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/registry"
)

func TestPostgres_AddEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewPostgres(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO registry_entries")).
		WithArgs(sqlmock.AnyArg(), "sha3-256:m", "sha3-256:p", sqlmock.AnyArg(), "", "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	e, err := r.AddEntry(ctx, registry.Entry{ManifestHash: "sha3-256:m", ProofHash: "sha3-256:p"})
	assert.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddEntryDuplicateFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewPostgres(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO registry_entries")).
		WillReturnError(assert.AnError)

	_, err = r.AddEntry(ctx, registry.Entry{ManifestHash: "sha3-256:m", ProofHash: "sha3-256:p"})
	assert.Error(t, err)
}

func TestPostgres_FindByHashes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewPostgres(db)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "manifest_hash", "proof_hash", "timestamp", "signature", "public_key", "kid"}).
		AddRow("id-1", "sha3-256:m", "sha3-256:p", now, "", "", "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, manifest_hash, proof_hash, timestamp, signature, public_key, kid")).
		WithArgs("sha3-256:m", "sha3-256:p").
		WillReturnRows(rows)

	e, err := r.FindByHashes(ctx, "sha3-256:m", "sha3-256:p")
	assert.NoError(t, err)
	assert.Equal(t, "id-1", e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindByHashesNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewPostgres(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, manifest_hash, proof_hash, timestamp, signature, public_key, kid")).
		WithArgs("sha3-256:nope", "sha3-256:nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "manifest_hash", "proof_hash", "timestamp", "signature", "public_key", "kid"}))

	_, err = r.FindByHashes(ctx, "sha3-256:nope", "sha3-256:nope")
	assert.Error(t, err)
}
