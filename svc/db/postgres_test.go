package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ECHOBIN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ECHOBIN_TEST_POSTGRES_DSN not set")
	}
	return dsn
}
func createTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := testPostgresDSN(t)
	require.NoError(t, MigratePostgres(dsn))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, err := NewPostgres(ctx, dsn, 10, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return createTestPostgres(t) })
}

func TestMigratePostgresRerun(t *testing.T) {
	dsn := testPostgresDSN(t)
	require.NoError(t, MigratePostgres(dsn))
	require.NoError(t, MigratePostgres(dsn))
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", migrateURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://u@h/db", migrateURL("postgresql://u@h/db"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(ErrDuplicate))
}
