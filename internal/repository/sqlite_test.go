package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "autopilot.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Ping(ctx))

	exerciseRepository(t, store)
}
