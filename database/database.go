// Package database provides the SQLite state store of the upgrade tool.
//
// It records upgrade attempts, the application schema recorded after each
// applied version (the baseline the schema differ compares against), and
// per-install upgrade locks that keep two processes from upgrading the same
// installation at once.
//
// The database uses SQLite with WAL (Write-Ahead Logging) mode and a
// versioned schema_migrations table.
//
// # Usage Example
//
//	db, err := database.New(database.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.AcquireUpgradeLock(ctx, installKey, "nuwax-upgrade"); err != nil {
//		return err // errors.Is(err, database.ErrUpgradeLocked) when held elsewhere
//	}
//	defer db.ReleaseUpgradeLock(ctx, installKey, "nuwax-upgrade")
//
//	recorded, err := db.LatestSchema(ctx, installKey)
//
// # Schema
//
// The database maintains three tables:
//   - upgrade_attempts: one row per upgrade run and its outcome
//   - schema_snapshots: recorded application schema per version
//   - upgrade_locks: the current holder of each install's upgrade lock
//
// See schema.go for complete table definitions and indexes.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	// ErrUpgradeLocked is returned when another holder owns the install lock.
	ErrUpgradeLocked = errors.New("upgrade already in progress")

	// ErrAttemptNotFound is returned for unknown attempt IDs.
	ErrAttemptNotFound = errors.New("upgrade attempt not found")

	// ErrAttemptFinished is returned when finishing an attempt twice.
	ErrAttemptFinished = errors.New("upgrade attempt already finished")
)

// DB wraps the SQL database with helper methods for upgrade state.
type DB struct {
	db      *sql.DB
	path    string
	lockTTL time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string `mapstructure:"path"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// LockTTL is how long an upgrade lock is honoured before another holder
	// may take it over. Zero never expires locks.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/nuwax/upgrade.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
		LockTTL:         6 * time.Hour,
	}
}

// New creates a new database connection and initializes the schema.
//
// It configures SQLite for concurrent access:
//   - WAL (Write-Ahead Logging) for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//
// Pending schema migrations are applied before New returns.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{
		db:      db,
		path:    cfg.Path,
		lockTTL: cfg.LockTTL,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// SetLogger sets the logger for store diagnostics.
func (d *DB) SetLogger(logger *logrus.Logger) {
	d.logger = logger
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}

	return nil
}

// AcquireUpgradeLock takes the exclusive upgrade lock for an installation.
//
// The lock is a row keyed by install key; the PRIMARY KEY constraint makes
// the insert fail while another holder owns it. A lock older than LockTTL
// is considered abandoned and is taken over.
//
// Example:
//
//	if err := db.AcquireUpgradeLock(ctx, key, "nuwax-upgrade"); err != nil {
//		return err
//	}
//	defer db.ReleaseUpgradeLock(ctx, key, "nuwax-upgrade")
func (d *DB) AcquireUpgradeLock(ctx context.Context, installKey, lockedBy string) error {
	now := d.now()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	if d.lockTTL > 0 {
		cutoff := now.Add(-d.lockTTL).UnixNano()
		res, err := tx.ExecContext(ctx, `DELETE FROM upgrade_locks WHERE install_key = ? AND locked_at < ?`, installKey, cutoff)
		if err != nil {
			return fmt.Errorf("failed to expire stale lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			d.logger.WithFields(logrus.Fields{
				"install_key": installKey,
				"lock_ttl":    d.lockTTL.String(),
			}).Warn("took over stale upgrade lock")
		}
	}

	query := `INSERT INTO upgrade_locks (install_key, locked_at, locked_by) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, installKey, now.UnixNano(), lockedBy); err != nil {
		if strings.Contains(err.Error(), "constraint failed") {
			var holder string
			var lockedAt int64
			queryLock := `SELECT locked_by, locked_at FROM upgrade_locks WHERE install_key = ?`
			if scanErr := tx.QueryRowContext(ctx, queryLock, installKey).Scan(&holder, &lockedAt); scanErr == nil {
				return fmt.Errorf("%w: install %s is locked by %s (acquired at %s)",
					ErrUpgradeLocked, installKey, holder, time.Unix(0, lockedAt).Format(time.RFC3339))
			}
			return fmt.Errorf("%w: install %s is locked by another process", ErrUpgradeLocked, installKey)
		}
		return fmt.Errorf("failed to acquire upgrade lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upgrade lock: %w", err)
	}
	return nil
}

// ReleaseUpgradeLock releases the lock if lockedBy still holds it. This is
// idempotent.
func (d *DB) ReleaseUpgradeLock(ctx context.Context, installKey, lockedBy string) error {
	query := `DELETE FROM upgrade_locks WHERE install_key = ? AND locked_by = ?`
	if _, err := d.db.ExecContext(ctx, query, installKey, lockedBy); err != nil {
		return fmt.Errorf("failed to release upgrade lock: %w", err)
	}
	return nil
}

// IsUpgradeLocked checks if the installation is currently locked.
func (d *DB) IsUpgradeLocked(ctx context.Context, installKey string) (bool, error) {
	lock, err := d.UpgradeLockHolder(ctx, installKey)
	if err != nil {
		return false, err
	}
	return lock != nil, nil
}

// UpgradeLockHolder returns the current lock, or nil when unlocked.
func (d *DB) UpgradeLockHolder(ctx context.Context, installKey string) (*UpgradeLock, error) {
	var lock UpgradeLock
	var lockedAt int64
	query := `SELECT install_key, locked_by, locked_at FROM upgrade_locks WHERE install_key = ?`
	err := d.db.QueryRowContext(ctx, query, installKey).Scan(&lock.InstallKey, &lock.LockedBy, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check upgrade lock: %w", err)
	}
	lock.LockedAt = time.Unix(0, lockedAt)
	return &lock, nil
}
