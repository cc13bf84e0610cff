package sqlite

import (
	"context"
	"fmt"
	"log"
	"time"
)

const migrationsTableName = "schema_migrations"

// migration is one forward schema step. Versions are applied in ascending order
// and recorded in schema_migrations, so reopening a database is a no-op.
type migration struct {
	Version     int64
	Description string
	Up          func(table string) string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "create key/value table",
		Up: func(table string) string {
			return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
	"key" TEXT PRIMARY KEY NOT NULL,
	"value" BLOB NOT NULL,
	"updated_at" INTEGER NOT NULL
)`, table)
		},
	},
	{
		Version:     2,
		Description: "index key/value rows by update time",
		Up: func(table string) string {
			return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q ("updated_at")`, table+"_updated_at", table)
		},
	},
}

// migrate applies every migration newer than the recorded version.
func (s *Store) migrate(ctx context.Context) error {
	ensure := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
	"version" INTEGER PRIMARY KEY NOT NULL,
	"description" TEXT NOT NULL,
	"applied_at" INTEGER NOT NULL
)`, migrationsTableName)
	if _, err := s.db.ExecContext(ctx, ensure); err != nil {
		return fmt.Errorf("failed to create %s table: %w", migrationsTableName, err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up(s.table)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		record := fmt.Sprintf(`INSERT INTO %q ("version", "description", "applied_at") VALUES (?, ?, ?)`, migrationsTableName)
		if _, err := tx.ExecContext(ctx, record, m.Version, m.Description, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		log.Printf("[Migrator] Applied migration %d: %s", m.Version, m.Description)
	}
	return nil
}

// schemaVersion returns the newest applied migration.
func (s *Store) schemaVersion(ctx context.Context) (int64, error) {
	var v int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX("version"), 0) FROM %q`, migrationsTableName)
	if err := s.db.GetContext(ctx, &v, query); err != nil {
		return 0, err
	}
	return v, nil
}
