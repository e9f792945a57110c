package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DatabasePath = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.WriteTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := NewMigrationManager(db, nil)

	require.NoError(t, m.ApplyMigrations(ctx))
	require.NoError(t, m.ApplyMigrations(ctx))

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	require.NoError(t, NewSchemaValidator(db).Validate(ctx))
}

func TestSchemaValidator_DetectsMissingIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, nil).ApplyMigrations(ctx))

	_, err := db.Exec("DROP INDEX idx_scheduled_entries_fire_at")
	require.NoError(t, err)

	err = NewSchemaValidator(db).Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idx_scheduled_entries_fire_at")
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	err := NewSchemaValidator(openTestDB(t)).Validate(context.Background())
	assert.Error(t, err)
}
