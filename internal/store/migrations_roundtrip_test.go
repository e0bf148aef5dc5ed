package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger := zaptest.NewLogger(t)

	require.NoError(t, resetPublicSchema(ctx, db))
	require.NoError(t, ApplyMigrationsWithLogger(ctx, db, testMigrationsDir, logger))
	require.Equal(t, 3, countApplied(ctx, t, db))

	// a second pass is a no-op
	require.NoError(t, ApplyMigrationsWithLogger(ctx, db, testMigrationsDir, logger))
	require.Equal(t, 3, countApplied(ctx, t, db))

	require.NoError(t, RollbackMigrations(ctx, db, testMigrationsDir, logger))
	require.Equal(t, 0, countApplied(ctx, t, db))

	var cards sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, `SELECT to_regclass('public.cards')::text`).Scan(&cards))
	require.False(t, cards.Valid, "cards table should be dropped")

	require.NoError(t, ApplyMigrationsWithLogger(ctx, db, testMigrationsDir, logger))
	require.Equal(t, 3, countApplied(ctx, t, db))
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func countApplied(ctx context.Context, t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&n))
	return n
}
