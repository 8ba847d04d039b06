package dbsqlite_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/procflow/db"
	"github.com/romshark/procflow/db/dbsqlite"
	"github.com/romshark/procflow/internal/dbtest"
)

func open(t *testing.T, path string) *dbsqlite.DB {
	t.Helper()
	d, err := dbsqlite.Open(t.Context(), slog.Default(), path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func TestDB(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.DB {
		return open(t, filepath.Join(t.TempDir(), "procflow.db"))
	})
}

func TestDBInMemory(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.DB { return open(t, ":memory:") })
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procflow.db")
	ctx := context.Background()

	d, err := dbsqlite.Open(ctx, slog.Default(), path)
	require.NoError(t, err)
	err = d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		_, err := tx.InsertStoredEvent(ctx, "orders", db.StoredEvent{
			OriginatorID:      "o1",
			OriginatorVersion: 1,
			Topic:             "created",
			State:             []byte(`{}`),
			PipelineID:        1,
		}, true)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// Reopening applies the schema again without losing records.
	d = open(t, path)
	err = d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		id, err := tx.ReadMaxNotificationID(ctx, "orders", 1)
		require.NoError(t, err)
		require.Equal(t, int64(1), id)
		return nil
	})
	require.NoError(t, err)
}
