package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RecordSchema stores the schema applied for version. Recording the same
// version again replaces its text.
func (d *DB) RecordSchema(ctx context.Context, installKey, version, sqlText string) error {
	sum := sha256.Sum256([]byte(sqlText))
	checksum := hex.EncodeToString(sum[:])

	query := `
		INSERT INTO schema_snapshots (install_key, version, sql_text, checksum, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(install_key, version) DO UPDATE SET
			sql_text = excluded.sql_text,
			checksum = excluded.checksum,
			recorded_at = excluded.recorded_at
	`
	if _, err := d.db.ExecContext(ctx, query, installKey, version, sqlText, checksum, d.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record schema: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"install_key": installKey,
		"version":     version,
		"checksum":    checksum[:12],
	}).Debug("recorded schema snapshot")
	return nil
}

// LatestSchema returns the most recently recorded schema, or nil if none
// has been recorded for the installation.
func (d *DB) LatestSchema(ctx context.Context, installKey string) (*SchemaSnapshot, error) {
	query := `
		SELECT id, install_key, version, sql_text, checksum, recorded_at
		FROM schema_snapshots
		WHERE install_key = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`

	var snap SchemaSnapshot
	var recordedAt int64
	err := d.db.QueryRowContext(ctx, query, installKey).Scan(
		&snap.ID, &snap.InstallKey, &snap.Version, &snap.SQL, &snap.Checksum, &recordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schema snapshot: %w", err)
	}
	snap.RecordedAt = time.Unix(0, recordedAt)
	return &snap, nil
}
