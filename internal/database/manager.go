package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"herald/internal/logger"
	dbconfig "herald/pkg/database"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

var _ interfaces.ScheduleStore = (*Manager)(nil)

// Manager is the SQLite-backed schedule store. Reads run concurrently on
// the pool; every write goes through a single writer goroutine so SQLite
// never sees competing writers.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       *slog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations, validates the schema
// and starts the writer.
func NewManager(ctx context.Context, config *dbconfig.Config, log *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.Pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if err := dbconfig.NewMigrationManager(db, log.With(logger.Component("migrations"))).ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       log.With(logger.Component("sqlite_store")),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// writeLoop runs every write. A failed write is retried once after
// RetryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed, retrying", logger.Error(err))
				time.Sleep(m.config.RetryDelay)
				if err = op.operation(m.db); err != nil {
					m.logger.Error("database write failed after retry", logger.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// executeWrite queues a write and waits for its result.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

func (m *Manager) PersistScheduledEntry(ctx context.Context, entry types.ScheduledEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry.Notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	expiresAt := time.Now().Add(ttl)

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO scheduled_entries (id, user_id, payload, fire_at, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id,
				payload = excluded.payload,
				fire_at = excluded.fire_at,
				expires_at = excluded.expires_at
		`,
			entry.ID,
			entry.UserID,
			string(payload),
			entry.FireAt.UnixMilli(),
			expiresAt.UnixMilli(),
			entry.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert scheduled entry: %w", err)
		}
		return nil
	})
}

func (m *Manager) DeleteScheduledEntry(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM scheduled_entries WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete scheduled entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ScanDueEntries returns unexpired entries with fire_at before the given
// instant, oldest first.
func (m *Manager) ScanDueEntries(ctx context.Context, before time.Time) ([]types.ScheduledEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT rowid, id, user_id, payload, fire_at, created_at
		FROM scheduled_entries
		WHERE fire_at < ? AND expires_at > ?
		ORDER BY fire_at ASC
	`, before.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query due entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.ScheduledEntry
	for rows.Next() {
		var (
			rowID             int64
			e                 types.ScheduledEntry
			payload           string
			fireAt, createdAt int64
		)
		if err := rows.Scan(&rowID, &e.ID, &e.UserID, &payload, &fireAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Notification); err != nil {
			m.logger.Warn("skipping scheduled entry with corrupt payload",
				logger.ScheduleID(e.ID), logger.Error(err))
			continue
		}
		e.FireAt = time.UnixMilli(fireAt)
		e.CreatedAt = time.UnixMilli(createdAt)
		e.Token = strconv.FormatInt(rowID, 10)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled entries: %w", err)
	}
	return entries, nil
}

// PurgeExpired deletes entries whose TTL has passed and returns how many
// were removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM scheduled_entries WHERE expires_at <= ?", time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to purge expired entries: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// Count returns the number of stored entries, expired or not.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scheduled_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count scheduled entries: %w", err)
	}
	return n, nil
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.Count(ctx); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. It is safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
