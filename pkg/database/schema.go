package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the live database matches what the store
// expects. It is run once at startup after migrations.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"scheduled_entries": {
		"id":         "TEXT",
		"user_id":    "TEXT",
		"payload":    "TEXT",
		"fire_at":    "INTEGER",
		"expires_at": "INTEGER",
		"created_at": "INTEGER",
	},
}

var requiredTables = []string{"scheduled_entries", MigrationsTable}

var requiredIndexes = []string{
	"idx_scheduled_entries_fire_at",
	"idx_scheduled_entries_user",
	"idx_scheduled_entries_expires_at",
}

// Validate runs every check and returns the first mismatch.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	for _, table := range requiredTables {
		exists, err := v.objectExists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	for table, columns := range requiredColumns {
		if err := v.validateColumns(ctx, table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}

	for _, index := range requiredIndexes {
		exists, err := v.objectExists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(ctx context.Context, table string, expected map[string]string) error {
	// table comes from requiredColumns, never from input.
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != typ {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}
