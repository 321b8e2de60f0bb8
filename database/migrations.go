package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type migration struct {
	version     int
	description string
	sql         string
}

// migrations contains all database migrations in order
var migrations = []migration{
	{
		version:     1,
		description: "Initial schema with upgrade_attempts and schema_snapshots tables",
		sql:         initialSchema,
	},
	{
		version:     2,
		description: "Add upgrade_locks table",
		sql:         upgradeLocksSchema,
	},
	{
		version:     3,
		description: "Add diff_file to upgrade_attempts",
		sql:         migration003DiffFile,
	},
}

// SchemaVersion returns the highest applied migration version.
func (d *DB) SchemaVersion() (int, error) {
	var version int
	row := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (d *DB) runMigration(m migration) error {
	// Check if migration already applied
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"version":     m.version,
		"description": m.description,
	}).Debug("applied store migration")
	return nil
}
