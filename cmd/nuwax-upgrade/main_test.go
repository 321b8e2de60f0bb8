package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
)

type testInstall struct {
	root, cache, config string
}

func newTestInstall(t *testing.T) *testInstall {
	t.Helper()
	ti := &testInstall{root: t.TempDir(), cache: t.TempDir()}
	writeTestFile(t, filepath.Join(ti.root, "docker-compose.yml"), "version: 1\n")

	ti.config = filepath.Join(t.TempDir(), "nuwax-upgrade.yaml")
	writeTestFile(t, ti.config, fmt.Sprintf(`log_level: error
install:
  root: %s
  cache_dir: %s
  arch: x86_64
database:
  path: %s
http:
  retry:
    max_retries: 0
upgrade:
  locked_by: test
`, ti.root, ti.cache, filepath.Join(t.TempDir(), "state", "upgrade.db")))
	return ti
}

func writeTestFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writePatchManifest writes a 1.0.1 manifest whose x86_64 patch from 1.0.0
// replaces the compose file.
func writePatchManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := "version: 2\n"
	if err := tw.WriteHeader(&tar.Header{Name: "docker-compose.yml", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte(body))
	tw.Close()
	gz.Close()
	archive := filepath.Join(dir, "patch.tar.gz")
	writeTestFile(t, archive, buf.String())
	sum := sha256.Sum256(buf.Bytes())

	mf := fmt.Sprintf(`{
  "version": "1.0.1",
  "release_notes": "compose update",
  "packages": {"full": {"url": "https://example.invalid/full.tar.gz", "hash": "%s", "signature": "", "size": 0}},
  "patch": {
    "x86_64": {
      "url": %q,
      "hash": "%s",
      "signature": "",
      "base_version": "1.0.0",
      "operations": {"replace": {"files": ["docker-compose.yml"], "directories": []}}
    }
  }
}`, strings.Repeat("0", 64), archive, hex.EncodeToString(sum[:]))
	path := filepath.Join(dir, "manifest.json")
	writeTestFile(t, path, mf)
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(newApp())
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	writeTestFile(t, path, `install:
  root: /srv/nuwax
  compose_file: compose.yaml
http:
  timeout: 90s
migration:
  statement_timeout: 2m
`)
	t.Setenv("NUWAX_INSTALL_PROJECT", "staging")
	t.Setenv("NUWAX_S3_REGION", "eu-west-1")

	a := newApp()
	cfg, err := loadConfig(a.viper, path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Install.Root != "/srv/nuwax" || cfg.Install.composeFile() != "/srv/nuwax/compose.yaml" {
		t.Errorf("install = %+v", cfg.Install)
	}
	if cfg.Install.Project != "staging" {
		t.Errorf("project = %q, want env override", cfg.Install.Project)
	}
	if cfg.S3.Region != "eu-west-1" {
		t.Errorf("s3 region = %q", cfg.S3.Region)
	}
	if cfg.HTTP.Timeout != 90*time.Second || cfg.Migration.StatementTimeout != 2*time.Minute || !cfg.Migration.SkipApplied {
		t.Errorf("durations = %v, %v", cfg.HTTP.Timeout, cfg.Migration.StatementTimeout)
	}
	if cfg.Install.CacheDir != "/var/cache/nuwax" || cfg.Upgrade.SchemaFile != "config/init_mysql.sql" {
		t.Errorf("defaults not kept: %+v %+v", cfg.Install, cfg.Upgrade)
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(newApp().viper, filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestInstalledVersionFile(t *testing.T) {
	c := InstallConfig{Root: t.TempDir(), VersionFile: ".nuwax-version"}
	v, err := c.readInstalledVersion()
	if err != nil || v != "" {
		t.Fatalf("read before write = %q, %v", v, err)
	}
	if err := c.writeInstalledVersion("1.2.3"); err != nil {
		t.Fatal(err)
	}
	if v, err := c.readInstalledVersion(); err != nil || v != "1.2.3" {
		t.Errorf("read = %q, %v", v, err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"plain", fmt.Errorf("boom"), exitFailure},
		{"rolled back", patch.Errorf(patch.KindAtomicOperationFailed, "apply", "rename failed"), exitFailure},
		{"rollback failed", fmt.Errorf("apply: %w", patch.Errorf(patch.KindRollbackFailed, "rollback", "restore failed")), exitManualRecovery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCheckCommand(t *testing.T) {
	ti := newTestInstall(t)
	mf := writePatchManifest(t)

	out, err := execute(t, "--config", ti.config, "--json", "check", "--manifest", mf, "--current", "1.0.0")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var rep nuwax.CheckReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rep.Strategy != "patch" || rep.Available != "1.0.1" || !strings.HasSuffix(rep.DownloadURL, "patch.tar.gz") {
		t.Errorf("report = %+v", rep)
	}

	out, err = execute(t, "--config", ti.config, "--json", "check", "--manifest", mf, "--current", "1.0.0", "--force-full")
	if err != nil {
		t.Fatalf("check --force-full: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil || rep.Strategy != "full" {
		t.Errorf("forced report = %+v, %v", rep, err)
	}
}

func TestCheckCommand_NeedsCurrentVersion(t *testing.T) {
	ti := newTestInstall(t)
	_, err := execute(t, "--config", ti.config, "check", "--manifest", writePatchManifest(t))
	if err == nil || !strings.Contains(err.Error(), "installed version unknown") {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyAndHistory(t *testing.T) {
	ti := newTestInstall(t)
	writeTestFile(t, filepath.Join(ti.root, ".nuwax-version"), "1.0.0\n")
	mf := writePatchManifest(t)

	out, err := execute(t, "--config", ti.config, "--json", "apply", "--manifest", mf, "--skip-compose", "--no-migrate")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var rep nuwax.ApplyReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !rep.Applied || rep.From != "1.0.0" || rep.To != "1.0.1" || rep.Strategy != "patch" {
		t.Errorf("report = %+v", rep)
	}
	if data, _ := os.ReadFile(filepath.Join(ti.root, "docker-compose.yml")); string(data) != "version: 2\n" {
		t.Errorf("compose file = %q", data)
	}
	if data, _ := os.ReadFile(filepath.Join(ti.root, ".nuwax-version")); string(data) != "1.0.1\n" {
		t.Errorf("version file = %q", data)
	}
	attemptID := rep.AttemptID

	out, err = execute(t, "--config", ti.config, "--json", "apply", "--manifest", mf, "--skip-compose", "--no-migrate")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil || rep.Applied {
		t.Errorf("second apply report = %+v, %v", rep, err)
	}

	out, err = execute(t, "--config", ti.config, "--json", "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var hist historyReport
	if err := json.Unmarshal([]byte(out), &hist); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(hist.Attempts) != 1 || hist.Attempts[0].Status != "completed" || hist.Attempts[0].ID != attemptID {
		t.Errorf("history = %+v", hist)
	}
	if hist.LockedBy != "" {
		t.Errorf("lock still held by %s", hist.LockedBy)
	}

	out, err = execute(t, "--config", ti.config, "history")
	if err != nil {
		t.Fatalf("history text: %v", err)
	}
	if !strings.Contains(out, "1.0.0 "+SymbolArrow+" 1.0.1") {
		t.Errorf("history output:\n%s", out)
	}
}

func TestSchemaDiffCommand(t *testing.T) {
	ti := newTestInstall(t)
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "v1.sql")
	newFile := filepath.Join(dir, "v2.sql")
	writeTestFile(t, oldFile, "CREATE TABLE users (\n  id INT NOT NULL,\n  PRIMARY KEY (id)\n);\n")
	writeTestFile(t, newFile, "CREATE TABLE users (\n  id INT NOT NULL,\n  name VARCHAR(32) NOT NULL,\n  PRIMARY KEY (id)\n);\n")

	out, err := execute(t, "--config", ti.config, "schema-diff", "--old", oldFile, "--new", newFile, "--from", "1.0.0", "--to", "1.1.0")
	if err != nil {
		t.Fatalf("schema-diff: %v", err)
	}
	if !strings.Contains(out, "-- from: 1.0.0\n-- to: 1.1.0\n") || !strings.Contains(out, "ADD COLUMN `name` VARCHAR(32) NOT NULL AFTER `id`") {
		t.Errorf("output:\n%s", out)
	}

	script := filepath.Join(dir, "out", "diff.sql")
	if _, err := execute(t, "--config", ti.config, "schema-diff", "--new", newFile, "--to", "1.1.0", "--out", script); err != nil {
		t.Fatalf("schema-diff --out: %v", err)
	}
	data, err := os.ReadFile(script)
	if err != nil || !strings.Contains(string(data), "CREATE TABLE") {
		t.Fatalf("script = %q, %v", data, err)
	}

	out, err = execute(t, "--config", ti.config, "--json", "migrate", "--file", script, "--dry-run")
	if err != nil {
		t.Fatalf("migrate --dry-run: %v", err)
	}
	var stmts []string
	if err := json.Unmarshal([]byte(out), &stmts); err != nil || len(stmts) != 1 || !strings.HasPrefix(stmts[0], "CREATE TABLE") {
		t.Errorf("statements = %q, %v", stmts, err)
	}
}
