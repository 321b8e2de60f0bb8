package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
// Timestamps are unix nanoseconds.
const initialSchema = `
-- upgrade_attempts: one row per upgrade run
CREATE TABLE IF NOT EXISTS upgrade_attempts (
    id TEXT PRIMARY KEY,
    install_key TEXT NOT NULL,
    from_version TEXT NOT NULL,
    to_version TEXT NOT NULL,
    strategy TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,

    CHECK (status IN ('pending', 'running', 'completed', 'rolled_back', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_upgrade_attempts_install_key ON upgrade_attempts(install_key, started_at);
CREATE INDEX IF NOT EXISTS idx_upgrade_attempts_status ON upgrade_attempts(status);

-- schema_snapshots: the database schema recorded after each applied version
CREATE TABLE IF NOT EXISTS schema_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    install_key TEXT NOT NULL,
    version TEXT NOT NULL,
    sql_text TEXT NOT NULL,
    checksum TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,

    UNIQUE (install_key, version)
);

CREATE INDEX IF NOT EXISTS idx_schema_snapshots_recorded_at ON schema_snapshots(install_key, recorded_at);
`

// upgradeLocksSchema adds the upgrade_locks table for per-install mutual
// exclusion across processes (version 2).
const upgradeLocksSchema = `
CREATE TABLE IF NOT EXISTS upgrade_locks (
    install_key TEXT PRIMARY KEY,
    locked_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upgrade_locks_locked_at ON upgrade_locks(locked_at);
`

// migration003DiffFile records where the generated migration script of an
// attempt was written.
const migration003DiffFile = `
ALTER TABLE upgrade_attempts ADD COLUMN diff_file TEXT;
`
