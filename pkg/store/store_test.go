package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/store"
)

func TestDefaultSQLiteConfig_SetsWALDefaults(t *testing.T) {
	cfg := store.DefaultSQLiteConfig("test.db")
	require.Equal(t, 5000, cfg.BusyTimeoutMS)
	require.GreaterOrEqual(t, cfg.MaxOpenConns, 4)
}

func TestIsBusyError_DetectsLockedMessage(t *testing.T) {
	require.True(t, store.IsBusyError(errors.New("database is locked")))
	require.True(t, store.IsBusyError(errors.New("SQLITE_BUSY: retry")))
	require.False(t, store.IsBusyError(errors.New("no such table")))
	require.False(t, store.IsBusyError(nil))
}

func TestWithRetry_ClassifiesBusyAsTransient(t *testing.T) {
	calls := 0
	err := store.WithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithRetry_PropagatesNonBusyError(t *testing.T) {
	wantErr := errors.New("no such table")
	err := store.WithRetry(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestLockOrder_FixedSequence(t *testing.T) {
	require.Equal(t, []store.Resource{
		store.ResourceKeys, store.ResourcePolicies, store.ResourceRegistry, store.ResourceBlobs, store.ResourceAudit,
	}, store.LockOrder)
}
