package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationsTable records applied migration versions.
const MigrationsTable = "schema_migrations"

var ErrFailedToApplyMigrations = errors.New("failed to apply migrations")

// goose keeps its dialect, table and filesystem in package state.
var gooseMu sync.Mutex

// MigrationManager applies the embedded goose migrations.
type MigrationManager struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewMigrationManager(db *sql.DB, log *slog.Logger) *MigrationManager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MigrationManager{db: db, logger: log}
}

// ApplyMigrations brings the schema up to the latest embedded version.
func (m *MigrationManager) ApplyMigrations(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.setup(); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, m.db, "migrations"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	return nil
}

// Version returns the latest applied migration version.
func (m *MigrationManager) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, m.db)
}

func (m *MigrationManager) setup() error {
	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(slogAdapter{m.logger})
	goose.SetTableName(MigrationsTable)
	return goose.SetDialect("sqlite3")
}

type slogAdapter struct {
	log *slog.Logger
}

func (a slogAdapter) Fatalf(format string, v ...any) {
	a.log.Error(fmt.Sprintf(format, v...))
}

func (a slogAdapter) Printf(format string, v ...any) {
	a.log.Debug(fmt.Sprintf(format, v...))
}
