package upgrade

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuwax-ai/nuwax-cli-sub001/database"
	"github.com/nuwax-ai/nuwax-cli-sub001/download"
	"github.com/nuwax-ai/nuwax-cli-sub001/manifest"
	"github.com/nuwax-ai/nuwax-cli-sub001/migration"
	"github.com/nuwax-ai/nuwax-cli-sub001/migration/migrationtest"
	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/perf"
	"github.com/nuwax-ai/nuwax-cli-sub001/schema"
	"github.com/nuwax-ai/nuwax-cli-sub001/strategy"
	"github.com/nuwax-ai/nuwax-cli-sub001/version"
)

const (
	schemaV1 = "CREATE TABLE users (\n  id INT NOT NULL AUTO_INCREMENT,\n  username VARCHAR(64) NOT NULL,\n  PRIMARY KEY (id)\n) ENGINE=InnoDB;\n"
	schemaV2 = "CREATE TABLE users (\n  id INT NOT NULL AUTO_INCREMENT,\n  username VARCHAR(64) NOT NULL,\n  email VARCHAR(255),\n  PRIMARY KEY (id)\n) ENGINE=InnoDB;\n"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeCompose struct {
	calls []string
	err   error
}

func (f *fakeCompose) Stop(ctx context.Context) error {
	f.calls = append(f.calls, "stop")
	return f.err
}

func (f *fakeCompose) Start(ctx context.Context) error {
	f.calls = append(f.calls, "start")
	return f.err
}

type fakeMigrator struct {
	scripts []string
	err     error
	// next, when set, executes the script after it is recorded.
	next Migrator
}

func (f *fakeMigrator) ExecuteDiffSQL(ctx context.Context, script string) error {
	f.scripts = append(f.scripts, script)
	if f.next != nil {
		return f.next.ExecuteDiffSQL(ctx, script)
	}
	return f.err
}

type env struct {
	root, cache string
	db          *database.DB
	compose     *fakeCompose
	migrator    *fakeMigrator
	collectors  *perf.Collectors
	mgr         *Manager
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeArchive(t *testing.T, path string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()
	writeFile(t, path, buf.String())
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		root:       t.TempDir(),
		cache:      t.TempDir(),
		compose:    &fakeCompose{},
		migrator:   &fakeMigrator{},
		collectors: perf.NewCollectors(),
	}
	writeFile(t, filepath.Join(e.root, "docker-compose.yml"), "version: 1\n")
	writeFile(t, filepath.Join(e.root, "config", "init_mysql.sql"), schemaV1)

	dbCfg := database.DefaultConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "upgrade.db")
	db, err := database.New(dbCfg)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	db.SetLogger(quietLogger())
	t.Cleanup(func() { db.Close() })
	e.db = db

	pcfg := patch.DefaultConfig()
	pcfg.Guard.ShieldSignals = false
	exec := patch.NewExecutor(pcfg, nil)
	exec.SuppressLogs()

	cfg := DefaultConfig()
	cfg.LockedBy = "test"
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "upgrade.prom")
	mgr, err := NewManager(Context{
		ComposeFile: filepath.Join(e.root, "docker-compose.yml"),
		ProjectName: "nuwax",
		Root:        e.root,
		CacheDir:    e.cache,
		Arch:        manifest.ArchX86_64,
	}, cfg, Dependencies{
		Supplier:   download.NewMultiSupplier(quietLogger()),
		Compose:    e.compose,
		Store:      db,
		Migrator:   e.migrator,
		Applier:    exec,
		Collectors: e.collectors,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	e.mgr = mgr
	return e
}

// patchManifest builds a 1.0.1 manifest whose patch for 1.0.0 replaces the
// compose file and the schema. hash overrides the archive hash when set.
func patchManifest(t *testing.T, hash string) (*manifest.ServiceManifest, string) {
	t.Helper()
	return patchManifestWithSchema(t, hash, schemaV2)
}

func patchManifestWithSchema(t *testing.T, hash, shipped string) (*manifest.ServiceManifest, string) {
	t.Helper()
	archive := filepath.Join(t.TempDir(), "nuwax-1.0.1-patch.tar.gz")
	sum := writeArchive(t, archive, map[string]string{
		"docker-compose.yml":    "version: 2\n",
		"config/init_mysql.sql": shipped,
	})
	if hash == "" {
		hash = sum
	}
	replace, err := manifest.NewFileOpSet([]string{"docker-compose.yml", "config/init_mysql.sql"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	base := version.MustParse("1.0.0")
	p := manifest.NewPatchRef(archive, hash, "", &base, manifest.Operations{Replace: replace}, "")
	full := manifest.NewPackageRef("https://example.invalid/full.tar.gz", strings.Repeat("0", 64), "", 0)
	mf := manifest.NewBuilder(version.MustParse("1.0.1"), full).
		WithPatch(manifest.ArchX86_64, p).
		WithNotes("adds email", time.Time{}).
		Build()
	return mf, archive
}

func TestRun_PatchUpgrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.mgr.Context().InstallKey()
	if err := e.db.RecordSchema(ctx, key, "1.0.0", schemaV1); err != nil {
		t.Fatal(err)
	}

	mf, _ := patchManifest(t, "")
	res, err := e.mgr.Run(ctx, Request{Current: version.MustParse("1.0.0"), Manifest: mf})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := res.Strategy.(strategy.PatchUpgrade); !ok || !res.Applied {
		t.Fatalf("strategy = %T applied = %v", res.Strategy, res.Applied)
	}
	if data, _ := os.ReadFile(filepath.Join(e.root, "docker-compose.yml")); string(data) != "version: 2\n" {
		t.Errorf("compose file = %q", data)
	}
	if got := strings.Join(e.compose.calls, ","); got != "stop,start" {
		t.Errorf("compose calls = %s", got)
	}

	if len(e.migrator.scripts) != 1 || !strings.Contains(e.migrator.scripts[0], "ADD COLUMN `email` VARCHAR(255) NULL AFTER `username`") {
		t.Fatalf("migration scripts = %q", e.migrator.scripts)
	}
	if res.Statements != 1 || res.Diff.FromVersion != "1.0.0" || res.Diff.ToVersion != "1.0.1" {
		t.Errorf("unexpected diff result %+v", res.Diff)
	}
	script, err := os.ReadFile(res.DiffFile)
	if err != nil {
		t.Fatalf("diff file: %v", err)
	}
	if !strings.HasPrefix(string(script), "-- generator: nuwax-upgrade\n") {
		t.Errorf("diff file header:\n%s", script)
	}

	snap, err := e.db.LatestSchema(ctx, key)
	if err != nil || snap == nil || snap.Version != "1.0.1" || snap.SQL != schemaV2 {
		t.Fatalf("latest schema = %+v, %v", snap, err)
	}
	attempts, err := e.db.ListAttempts(ctx, key, 10)
	if err != nil || len(attempts) != 1 {
		t.Fatalf("attempts = %v, %v", attempts, err)
	}
	if a := attempts[0]; a.ID != res.AttemptID || a.Status != database.AttemptCompleted || a.DiffFile != res.DiffFile {
		t.Errorf("attempt = %+v", a)
	}
	if locked, _ := e.db.IsUpgradeLocked(ctx, key); locked {
		t.Error("lock not released")
	}

	rep := res.Report(version.MustParse("1.0.0"))
	if rep.Strategy != "patch" || rep.To != "1.0.1" || rep.Statements != 1 {
		t.Errorf("report = %+v", rep)
	}
	if prom, err := os.ReadFile(e.mgr.cfg.MetricsTextfile); err != nil || !strings.Contains(string(prom), `outcome="completed",strategy="patch"`) {
		t.Errorf("metrics textfile: %v\n%s", err, prom)
	}

	// A second run against the new version has nothing to do.
	res, err = e.mgr.Run(ctx, Request{Current: version.MustParse("1.0.1"), Manifest: mf})
	if err != nil || res.Applied || res.AttemptID != "" {
		t.Fatalf("second run = %+v, %v", res, err)
	}
}

func TestRun_InitialSchemaCreatesTables(t *testing.T) {
	e := newEnv(t)
	mf, _ := patchManifest(t, "")
	res, err := e.mgr.Run(context.Background(), Request{Current: version.MustParse("1.0.0"), Manifest: mf})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Diff.FromVersion != "initial" || !strings.Contains(res.Diff.SQL, "CREATE TABLE IF NOT EXISTS `users`") {
		t.Errorf("diff = %+v", res.Diff)
	}
}

func TestRun_HashMismatchNeverStopsServices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mf, _ := patchManifest(t, strings.Repeat("ab", 32))

	_, err := e.mgr.Run(ctx, Request{Current: version.MustParse("1.0.0"), Manifest: mf})
	if kind, _ := patch.KindOf(err); kind != patch.KindHashMismatch {
		t.Fatalf("err = %v, want hash_mismatch", err)
	}
	if len(e.compose.calls) != 0 {
		t.Errorf("compose calls = %v, want none", e.compose.calls)
	}
	if data, _ := os.ReadFile(filepath.Join(e.root, "docker-compose.yml")); string(data) != "version: 1\n" {
		t.Error("root was modified")
	}
	s, _ := e.mgr.strategy.DetermineStrategy(version.MustParse("1.0.0"), false, mf)
	if _, err := os.Stat(strategy.ArtifactPath(e.cache, s)); !os.IsNotExist(err) {
		t.Error("rejected artifact left in cache")
	}

	attempts, _ := e.db.ListAttempts(ctx, e.mgr.Context().InstallKey(), 10)
	if len(attempts) != 1 || attempts[0].Status != database.AttemptFailed || !strings.Contains(attempts[0].Error, "hash mismatch") {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRun_MigrationFailureKeepsRecordedSchema(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.mgr.Context().InstallKey()
	if err := e.db.RecordSchema(ctx, key, "1.0.0", schemaV1); err != nil {
		t.Fatal(err)
	}
	e.migrator.err = &migration.StatementError{Index: 0, Statement: "ALTER TABLE `users` ...", Err: errors.New("duplicate column")}

	mf, _ := patchManifest(t, "")
	res, err := e.mgr.Run(ctx, Request{Current: version.MustParse("1.0.0"), Manifest: mf})
	var se *migration.StatementError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatementError", err)
	}
	if !res.Applied {
		t.Error("files were applied before the migration failed")
	}
	snap, _ := e.db.LatestSchema(ctx, key)
	if snap.Version != "1.0.0" {
		t.Errorf("recorded schema advanced to %s", snap.Version)
	}
	attempts, _ := e.db.ListAttempts(ctx, key, 10)
	if attempts[0].Status != database.AttemptFailed || attempts[0].DiffFile == "" {
		t.Errorf("attempt = %+v", attempts[0])
	}
}

func TestRun_RetryAfterPartialMigration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.mgr.Context().InstallKey()
	if err := e.db.RecordSchema(ctx, key, "1.0.0", schemaV1); err != nil {
		t.Fatal(err)
	}

	shipped := schemaV2 + "CREATE TABLE profiles (\n  id INT NOT NULL,\n  PRIMARY KEY (id)\n) ENGINE=InnoDB;\n"
	old, from := schemaV1, "1.0.0"
	diff, err := schema.GenerateSchemaDiff(&old, shipped, &from, "1.0.1")
	if err != nil {
		t.Fatal(err)
	}
	stmts, err := migration.Split(diff.SQL)
	if err != nil || len(stmts) != 2 {
		t.Fatalf("statements = %q, %v", stmts, err)
	}

	srv := migrationtest.NewServer()
	db := srv.DB()
	defer db.Close()
	runner := migration.NewRunner(db, migration.DefaultOptions())
	runner.SuppressLogs()
	e.migrator.next = runner
	srv.FailOnce(stmts[1], errors.New("connection reset"))

	mf, _ := patchManifestWithSchema(t, "", shipped)
	req := Request{Current: version.MustParse("1.0.0"), Manifest: mf}
	res, err := e.mgr.Run(ctx, req)
	var se *migration.StatementError
	if !errors.As(err, &se) || se.Index != 1 || !res.Applied {
		t.Fatalf("first run = %+v, %v", res, err)
	}
	if !srv.Applied(stmts[0]) || srv.Applied(stmts[1]) {
		t.Fatal("first run did not stop part way")
	}

	// The installed version was not advanced, so the retry starts from 1.0.0
	// again and meets the statement that already took effect.
	res, err = e.mgr.Run(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !srv.Applied(stmts[1]) || res.Statements != 2 {
		t.Errorf("retry result = %+v", res)
	}
	snap, _ := e.db.LatestSchema(ctx, key)
	if snap.Version != "1.0.1" || snap.SQL != shipped {
		t.Errorf("recorded schema = %+v", snap)
	}
	attempts, _ := e.db.ListAttempts(ctx, key, 10)
	if len(attempts) != 2 || attempts[0].Status != database.AttemptCompleted || attempts[1].Status != database.AttemptFailed {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRun_Locked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := e.mgr.Context().InstallKey()
	if err := e.db.AcquireUpgradeLock(ctx, key, "other-host:1"); err != nil {
		t.Fatal(err)
	}
	mf, _ := patchManifest(t, "")
	_, err := e.mgr.Run(ctx, Request{Current: version.MustParse("1.0.0"), Manifest: mf})
	if !errors.Is(err, database.ErrUpgradeLocked) {
		t.Fatalf("err = %v, want ErrUpgradeLocked", err)
	}
	if holder, _ := e.db.UpgradeLockHolder(ctx, key); holder == nil || holder.LockedBy != "other-host:1" {
		t.Errorf("lock holder changed: %+v", holder)
	}
}

func TestCheck(t *testing.T) {
	e := newEnv(t)
	mf, archive := patchManifest(t, "")

	tests := []struct {
		current  string
		force    bool
		strategy string
		url      string
	}{
		{"1.0.0", false, "patch", archive},
		{"1.0.0", true, "full", "https://example.invalid/full.tar.gz"},
		{"0.9.0", false, "full", "https://example.invalid/full.tar.gz"},
		{"1.0.1", false, "none", ""},
	}
	for _, tt := range tests {
		rep, err := e.mgr.Check(version.MustParse(tt.current), mf, tt.force)
		if err != nil {
			t.Fatalf("Check(%s): %v", tt.current, err)
		}
		if rep.Strategy != tt.strategy || rep.DownloadURL != tt.url || rep.Available != "1.0.1" || rep.ReleaseNotes != "adds email" {
			t.Errorf("Check(%s, %v) = %+v", tt.current, tt.force, rep)
		}
	}
}

func TestNewManager_Validates(t *testing.T) {
	deps := Dependencies{Supplier: download.NewMultiSupplier(quietLogger()), Store: &database.DB{}, Applier: patch.NewExecutor(patch.DefaultConfig(), nil)}
	good := Context{ProjectName: "nuwax", Root: "/opt/nuwax", CacheDir: "/var/cache/nuwax", Arch: manifest.ArchAarch64}

	if _, err := NewManager(good, DefaultConfig(), deps); err != nil {
		t.Fatalf("valid context rejected: %v", err)
	}
	bad := good
	bad.Arch = "sparc"
	if _, err := NewManager(bad, DefaultConfig(), deps); err == nil {
		t.Error("unknown architecture accepted")
	}
	if _, err := NewManager(good, DefaultConfig(), Dependencies{}); err == nil {
		t.Error("missing collaborators accepted")
	}
}
