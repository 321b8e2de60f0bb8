package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/database"
)

func TestFindOrphans(t *testing.T) {
	root := t.TempDir()
	cache := t.TempDir()

	writeTestFile(t, filepath.Join(root, "docker-compose.yml"), "version: 1\n")
	writeTestFile(t, filepath.Join(root, ".upgrade-backup-A", "docker-compose.yml"), "old\n")
	writeTestFile(t, filepath.Join(root, ".upgrade-backup-B", "app", "config.yml"), "old\n")
	writeTestFile(t, filepath.Join(cache, "1.0.0", "full.tar.gz"), "archive")
	writeTestFile(t, filepath.Join(cache, "1.0.1", "patch.tar.gz"), "archive")
	writeTestFile(t, filepath.Join(cache, "1.0.1", "patch.tar.gz.tmp"), "partial")
	writeTestFile(t, filepath.Join(cache, "1.0.1", "staging-X", "docker-compose.yml"), "new\n")
	writeTestFile(t, filepath.Join(cache, "manifest.json"), "{}")
	writeTestFile(t, filepath.Join(cache, "manifest.json.tmp"), "{")
	writeTestFile(t, filepath.Join(cache, "notes", "readme"), "x")

	attempts := []*database.Attempt{
		{ID: "att_ok", Status: database.AttemptCompleted},
		{ID: "att_bad", Status: database.AttemptFailed, Error: "rollback failed (backup " + filepath.Join(root, ".upgrade-backup-B") + ")"},
	}

	orphans, err := findOrphans(root, cache, "1.0.1", attempts)
	if err != nil {
		t.Fatalf("findOrphans: %v", err)
	}

	got := map[string]Orphan{}
	for _, o := range orphans {
		var rel string
		if strings.HasPrefix(o.Path, cache) {
			rel, _ = filepath.Rel(cache, o.Path)
			rel = "cache/" + rel
		} else {
			rel, _ = filepath.Rel(root, o.Path)
			rel = "root/" + rel
		}
		got[rel] = o
	}

	want := map[string]string{
		"root/.upgrade-backup-A":       orphanBackup,
		"root/.upgrade-backup-B":       orphanBackup,
		"cache/1.0.0":                  orphanCache,
		"cache/1.0.1/patch.tar.gz.tmp": orphanTemp,
		"cache/1.0.1/staging-X":        orphanStaging,
		"cache/manifest.json.tmp":      orphanTemp,
	}
	if len(got) != len(want) {
		t.Fatalf("orphans = %+v", orphans)
	}
	for rel, kind := range want {
		o, ok := got[rel]
		if !ok || o.Kind != kind {
			t.Errorf("%s: got %+v, want kind %s", rel, o, kind)
		}
	}
	if o := got["root/.upgrade-backup-B"]; !o.Skipped || !strings.Contains(o.Reason, "att_bad") {
		t.Errorf("referenced backup not kept: %+v", o)
	}
	if o := got["root/.upgrade-backup-A"]; o.Skipped || o.Size != int64(len("old\n")) {
		t.Errorf("backup A = %+v", o)
	}
}

func TestGCCommand(t *testing.T) {
	ti := newTestInstall(t)
	writeTestFile(t, filepath.Join(ti.root, ".nuwax-version"), "1.0.1\n")
	backup := filepath.Join(ti.root, ".upgrade-backup-01J")
	stale := filepath.Join(ti.cache, "1.0.0")
	writeTestFile(t, filepath.Join(backup, "docker-compose.yml"), "old\n")
	writeTestFile(t, filepath.Join(stale, "full.tar.gz"), "archive")

	if _, err := execute(t, "--config", ti.config, "gc"); err == nil {
		t.Fatal("gc without --dry-run or --force must fail")
	}

	out, err := execute(t, "--config", ti.config, "--json", "gc", "--dry-run")
	if err != nil {
		t.Fatalf("gc --dry-run: %v", err)
	}
	var res GCResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Found != 2 || res.Cleaned != 0 {
		t.Errorf("dry run = %+v", res)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Errorf("dry run removed %s", backup)
	}

	out, err = execute(t, "--config", ti.config, "--json", "gc", "--force")
	if err != nil {
		t.Fatalf("gc --force: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil || res.Cleaned != 2 {
		t.Errorf("force = %+v, %v", res, err)
	}
	for _, p := range []string{backup, stale} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
}

func TestGCCommand_RefusesWhileLocked(t *testing.T) {
	ti := newTestInstall(t)

	a := newApp()
	cfg, err := loadConfig(a.viper, ti.config)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := database.New(cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	key := nuwax.DeriveInstallKey(cfg.Install.Root, cfg.Install.Project)
	if err := db.AcquireUpgradeLock(context.Background(), key, "other-host:42"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	_, err = execute(t, "--config", ti.config, "gc", "--dry-run")
	if err == nil || !strings.Contains(err.Error(), "other-host:42") {
		t.Fatalf("err = %v", err)
	}
	if _, err := execute(t, "--config", ti.config, "gc", "--dry-run", "--ignore-lock"); err != nil {
		t.Fatalf("gc --ignore-lock: %v", err)
	}
}
