package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "upgrade.db")
	db, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	db.SetLogger(quiet)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)
	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}

	// Reopening must not re-run migrations.
	db2, err := New(Config{Path: db.Path(), MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
	if err := db2.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestAttempts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	base := time.Unix(1700000000, 0)
	tick := base
	db.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	first := &Attempt{ID: "att_1", InstallKey: "inst_a", FromVersion: "1.0.0", ToVersion: "1.1.0", Strategy: "patch"}
	if err := db.BeginAttempt(ctx, first); err != nil {
		t.Fatalf("BeginAttempt failed: %v", err)
	}
	if first.Status != AttemptRunning {
		t.Errorf("status = %s, want running", first.Status)
	}
	second := &Attempt{ID: "att_2", InstallKey: "inst_a", FromVersion: "1.1.0", ToVersion: "2.0.0", Strategy: "full"}
	if err := db.BeginAttempt(ctx, second); err != nil {
		t.Fatalf("BeginAttempt failed: %v", err)
	}
	other := &Attempt{ID: "att_3", InstallKey: "inst_b", FromVersion: "1.0.0", ToVersion: "1.0.1", Strategy: "full"}
	if err := db.BeginAttempt(ctx, other); err != nil {
		t.Fatalf("BeginAttempt failed: %v", err)
	}

	if err := db.FinishAttempt(ctx, "att_1", AttemptCompleted, "/tmp/diff.sql", nil); err != nil {
		t.Fatalf("FinishAttempt failed: %v", err)
	}
	if err := db.FinishAttempt(ctx, "att_2", AttemptRolledBack, "", errors.New("copy failed")); err != nil {
		t.Fatalf("FinishAttempt failed: %v", err)
	}

	if err := db.FinishAttempt(ctx, "att_1", AttemptFailed, "", nil); !errors.Is(err, ErrAttemptFinished) {
		t.Errorf("finishing twice: got %v, want ErrAttemptFinished", err)
	}
	if err := db.FinishAttempt(ctx, "missing", AttemptFailed, "", nil); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("unknown attempt: got %v, want ErrAttemptNotFound", err)
	}
	if err := db.FinishAttempt(ctx, "att_3", AttemptRunning, "", nil); err == nil {
		t.Error("expected error for non-terminal status")
	}

	list, err := db.ListAttempts(ctx, "inst_a", 0)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "att_2" || list[1].ID != "att_1" {
		t.Fatalf("unexpected attempts: %+v", list)
	}
	if list[0].Status != AttemptRolledBack || list[0].Error != "copy failed" || list[0].FinishedAt == nil {
		t.Errorf("unexpected rolled back attempt: %+v", list[0])
	}
	if list[1].DiffFile != "/tmp/diff.sql" {
		t.Errorf("diff file = %q", list[1].DiffFile)
	}
	if !list[1].StartedAt.Equal(base.Add(time.Second)) {
		t.Errorf("started at = %v", list[1].StartedAt)
	}

	all, err := db.ListAttempts(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "att_3" {
		t.Errorf("limited list = %+v", all)
	}

	got, err := db.GetAttempt(ctx, "att_3")
	if err != nil || got == nil || got.Status != AttemptRunning {
		t.Errorf("GetAttempt = %+v, %v", got, err)
	}
}

func TestSchemaSnapshots(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tick := time.Unix(1700000000, 0)
	db.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	snap, err := db.LatestSchema(ctx, "inst_a")
	if err != nil {
		t.Fatalf("LatestSchema failed: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot, got %+v", snap)
	}

	if err := db.RecordSchema(ctx, "inst_a", "1.0.0", "CREATE TABLE a (id INT);"); err != nil {
		t.Fatalf("RecordSchema failed: %v", err)
	}
	if err := db.RecordSchema(ctx, "inst_a", "1.1.0", "CREATE TABLE a (id INT, b INT);"); err != nil {
		t.Fatalf("RecordSchema failed: %v", err)
	}
	if err := db.RecordSchema(ctx, "inst_b", "9.9.9", "CREATE TABLE z (id INT);"); err != nil {
		t.Fatalf("RecordSchema failed: %v", err)
	}

	snap, err = db.LatestSchema(ctx, "inst_a")
	if err != nil {
		t.Fatalf("LatestSchema failed: %v", err)
	}
	if snap.Version != "1.1.0" || snap.SQL != "CREATE TABLE a (id INT, b INT);" || len(snap.Checksum) != 64 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	// Re-recording an older version makes it the latest.
	if err := db.RecordSchema(ctx, "inst_a", "1.0.0", "CREATE TABLE a (id BIGINT);"); err != nil {
		t.Fatalf("RecordSchema failed: %v", err)
	}
	snap, _ = db.LatestSchema(ctx, "inst_a")
	if snap.Version != "1.0.0" || snap.SQL != "CREATE TABLE a (id BIGINT);" {
		t.Errorf("unexpected snapshot after re-record: %+v", snap)
	}
}

func TestUpgradeLocks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Unix(1700000000, 0)
	db.now = func() time.Time { return now }

	if err := db.AcquireUpgradeLock(ctx, "inst_a", "cli-1"); err != nil {
		t.Fatalf("AcquireUpgradeLock failed: %v", err)
	}
	locked, err := db.IsUpgradeLocked(ctx, "inst_a")
	if err != nil || !locked {
		t.Fatalf("IsUpgradeLocked = %v, %v", locked, err)
	}

	err = db.AcquireUpgradeLock(ctx, "inst_a", "cli-2")
	if !errors.Is(err, ErrUpgradeLocked) {
		t.Fatalf("second acquire: got %v, want ErrUpgradeLocked", err)
	}

	// Other installs are independent.
	if err := db.AcquireUpgradeLock(ctx, "inst_b", "cli-2"); err != nil {
		t.Fatalf("AcquireUpgradeLock(inst_b) failed: %v", err)
	}

	// Only the holder releases.
	if err := db.ReleaseUpgradeLock(ctx, "inst_a", "cli-2"); err != nil {
		t.Fatalf("ReleaseUpgradeLock failed: %v", err)
	}
	holder, err := db.UpgradeLockHolder(ctx, "inst_a")
	if err != nil || holder == nil || holder.LockedBy != "cli-1" {
		t.Fatalf("holder = %+v, %v", holder, err)
	}
	if err := db.ReleaseUpgradeLock(ctx, "inst_a", "cli-1"); err != nil {
		t.Fatalf("ReleaseUpgradeLock failed: %v", err)
	}
	if locked, _ := db.IsUpgradeLocked(ctx, "inst_a"); locked {
		t.Error("lock still held after release")
	}
	if err := db.ReleaseUpgradeLock(ctx, "inst_a", "cli-1"); err != nil {
		t.Errorf("release must be idempotent: %v", err)
	}
}

func TestUpgradeLocks_StaleTakeover(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Unix(1700000000, 0)
	db.now = func() time.Time { return now }

	if err := db.AcquireUpgradeLock(ctx, "inst_a", "crashed"); err != nil {
		t.Fatalf("AcquireUpgradeLock failed: %v", err)
	}
	now = now.Add(db.lockTTL + time.Minute)
	if err := db.AcquireUpgradeLock(ctx, "inst_a", "fresh"); err != nil {
		t.Fatalf("stale lock was not taken over: %v", err)
	}
	holder, _ := db.UpgradeLockHolder(ctx, "inst_a")
	if holder == nil || holder.LockedBy != "fresh" {
		t.Errorf("holder = %+v", holder)
	}
}
