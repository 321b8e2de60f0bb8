package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const attemptColumns = `id, install_key, from_version, to_version, strategy, status,
		       error, diff_file, started_at, finished_at`

// BeginAttempt stores a new attempt. An empty Status is stored as running
// and a zero StartedAt as now; both are written back to a.
func (d *DB) BeginAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		return errors.New("attempt id is required")
	}
	if a.Status == "" {
		a.Status = AttemptRunning
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = d.now()
	}

	query := `
		INSERT INTO upgrade_attempts (id, install_key, from_version, to_version, strategy, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query, a.ID, a.InstallKey, a.FromVersion, a.ToVersion, a.Strategy, string(a.Status), a.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store attempt: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"attempt_id": a.ID,
		"from":       a.FromVersion,
		"to":         a.ToVersion,
		"strategy":   a.Strategy,
	}).Debug("recorded upgrade attempt")
	return nil
}

// FinishAttempt moves an attempt to a terminal status. cause is stored as
// the attempt's error text when non-nil.
func (d *DB) FinishAttempt(ctx context.Context, id string, status AttemptStatus, diffFile string, cause error) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish attempt with non-terminal status %q", status)
	}
	var errText sql.NullString
	if cause != nil {
		errText = sql.NullString{String: cause.Error(), Valid: true}
	}
	var diff sql.NullString
	if diffFile != "" {
		diff = sql.NullString{String: diffFile, Valid: true}
	}

	query := `
		UPDATE upgrade_attempts
		SET status = ?, error = ?, diff_file = ?, finished_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`
	res, err := d.db.ExecContext(ctx, query, string(status), errText, diff, d.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := d.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
		}
		return fmt.Errorf("%w: %s is %s", ErrAttemptFinished, id, existing.Status)
	}
	return nil
}

// GetAttempt returns the attempt with id, or nil if unknown.
func (d *DB) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM upgrade_attempts WHERE id = ?`
	a, err := scanAttempt(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns attempts newest first. An empty installKey lists
// every installation; a non-positive limit returns all rows.
func (d *DB) ListAttempts(ctx context.Context, installKey string, limit int) ([]*Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM upgrade_attempts`
	var args []any
	if installKey != "" {
		query += ` WHERE install_key = ?`
		args = append(args, installKey)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	var (
		a          Attempt
		status     string
		errText    sql.NullString
		diffFile   sql.NullString
		startedAt  int64
		finishedAt sql.NullInt64
	)
	if err := s.Scan(&a.ID, &a.InstallKey, &a.FromVersion, &a.ToVersion, &a.Strategy,
		&status, &errText, &diffFile, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.Error = errText.String
	a.DiffFile = diffFile.String
	a.StartedAt = time.Unix(0, startedAt)
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64)
		a.FinishedAt = &t
	}
	return &a, nil
}
