package database

import "time"

// AttemptStatus is the lifecycle state of an upgrade attempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptRunning    AttemptStatus = "running"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptRolledBack AttemptStatus = "rolled_back"
	AttemptFailed     AttemptStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptRolledBack, AttemptFailed:
		return true
	}
	return false
}

// Attempt is one upgrade run.
type Attempt struct {
	ID          string
	InstallKey  string
	FromVersion string
	ToVersion   string
	Strategy    string
	Status      AttemptStatus
	Error       string
	DiffFile    string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// SchemaSnapshot is the application schema recorded for a version.
type SchemaSnapshot struct {
	ID         int64
	InstallKey string
	Version    string
	SQL        string
	Checksum   string
	RecordedAt time.Time
}

// UpgradeLock describes the holder of an install lock.
type UpgradeLock struct {
	InstallKey string
	LockedBy   string
	LockedAt   time.Time
}
