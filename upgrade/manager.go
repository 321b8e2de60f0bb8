// Package upgrade drives one upgrade attempt of a docker-compose stack from
// manifest to migrated database.
//
// A Manager owns one installation: the compose file and project name, the
// managed root holding the stack's files and a cache directory for
// artifacts. It is constructed explicitly and passed to whatever needs it;
// there is no package-level instance.
//
// Run performs the phases in order: strategy, download, verify, apply,
// schema diff and migration. Each phase is timed into perf.PipelineMetrics
// and traced as an OpenTelemetry span. Verification happens before the stack
// is stopped, so a rejected artifact never interrupts service.
//
// # Usage Example
//
//	mgr, err := upgrade.NewManager(upgrade.Context{
//		ComposeFile: "/opt/nuwax/docker/docker-compose.yml",
//		ProjectName: "nuwax",
//		Root:        "/opt/nuwax/docker",
//		CacheDir:    "/var/cache/nuwax",
//		Arch:        manifest.ArchX86_64,
//	}, upgrade.DefaultConfig(), upgrade.Dependencies{
//		Supplier: suppliers,
//		Compose:  upgrade.NewExecCompose(composeFile, "nuwax", logger),
//		Store:    db,
//		Migrator: runner,
//		Applier:  executor,
//		Logger:   logger,
//	})
//
//	res, err := mgr.Run(ctx, upgrade.Request{Current: current, Manifest: mf})
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/database"
	"github.com/nuwax-ai/nuwax-cli-sub001/download"
	"github.com/nuwax-ai/nuwax-cli-sub001/manifest"
	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/perf"
	"github.com/nuwax-ai/nuwax-cli-sub001/schema"
	"github.com/nuwax-ai/nuwax-cli-sub001/strategy"
	"github.com/nuwax-ai/nuwax-cli-sub001/version"
)

const tracerName = "github.com/nuwax-ai/nuwax-cli-sub001/upgrade"

// Context identifies the installation a Manager upgrades.
type Context struct {
	ComposeFile string
	ProjectName string
	// Root is the directory holding the stack's files
	Root string
	// CacheDir holds downloaded artifacts, one directory per base version
	CacheDir string
	Arch     manifest.Architecture
}

// InstallKey returns the key scoping locks and history for this installation.
func (c Context) InstallKey() string {
	return nuwax.DeriveInstallKey(c.Root, c.ProjectName)
}

func (c Context) validate() error {
	switch {
	case c.Root == "":
		return errors.New("upgrade context: root is required")
	case c.CacheDir == "":
		return errors.New("upgrade context: cache dir is required")
	case c.ProjectName == "":
		return errors.New("upgrade context: project name is required")
	}
	if _, err := manifest.ParseArchitecture(string(c.Arch)); err != nil {
		return fmt.Errorf("upgrade context: %w", err)
	}
	return nil
}

// Compose stops and starts the stack's containers.
type Compose interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Store is the persistent upgrade state, implemented by *database.DB.
type Store interface {
	AcquireUpgradeLock(ctx context.Context, installKey, lockedBy string) error
	ReleaseUpgradeLock(ctx context.Context, installKey, lockedBy string) error
	BeginAttempt(ctx context.Context, a *database.Attempt) error
	FinishAttempt(ctx context.Context, id string, status database.AttemptStatus, diffFile string, cause error) error
	LatestSchema(ctx context.Context, installKey string) (*database.SchemaSnapshot, error)
	RecordSchema(ctx context.Context, installKey, version, sqlText string) error
}

// Migrator executes a generated migration script, implemented by
// *migration.Runner.
type Migrator interface {
	ExecuteDiffSQL(ctx context.Context, script string) error
}

// Applier verifies and applies artifacts, implemented by *patch.Executor.
type Applier interface {
	Verify(archive, expectedHash, signature string) error
	ApplyArchive(ctx context.Context, root, archive, expectedHash, signature string, ops manifest.Operations) error
	InstallFull(ctx context.Context, root, archive, expectedHash, signature string) error
}

// Dependencies are the collaborators of a Manager. Compose, Migrator,
// Collectors and Tracer are optional.
type Dependencies struct {
	Supplier   download.Supplier
	Compose    Compose
	Store      Store
	Migrator   Migrator
	Applier    Applier
	Collectors *perf.Collectors
	Tracer     trace.Tracer
	Logger     logrus.FieldLogger
}

// Config holds the Manager settings.
type Config struct {
	// SchemaFile is the shipped schema script, relative to the root
	SchemaFile string `mapstructure:"schema_file"`

	// LockedBy names this process in the upgrade lock. Empty means
	// hostname:pid.
	LockedBy string `mapstructure:"locked_by"`

	// MetricsTextfile, when set, receives the collectors after every attempt
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	// Schema configures the differ
	Schema schema.Options `mapstructure:"-"`
}

// DefaultConfig returns the default Manager settings.
func DefaultConfig() Config {
	return Config{
		SchemaFile: filepath.Join("config", "init_mysql.sql"),
		Schema:     schema.DefaultOptions(),
	}
}

// Request is one upgrade run.
type Request struct {
	Current   version.Version
	Manifest  *manifest.ServiceManifest
	ForceFull bool
	// SchemaFile overrides Config.SchemaFile
	SchemaFile string
	// DiffOut is where the migration script is written. Empty means the
	// artifact's cache directory.
	DiffOut string
}

// Result describes a finished run.
type Result struct {
	AttemptID string
	Strategy  strategy.Strategy
	Target    version.Version
	// Applied is false when the installation was already current
	Applied    bool
	Diff       *schema.Diff
	DiffFile   string
	Statements int
	Metrics    *perf.PipelineMetrics
}

// Report converts the result for JSON output.
func (r *Result) Report(from version.Version) nuwax.ApplyReport {
	rep := nuwax.ApplyReport{
		AttemptID:  r.AttemptID,
		From:       from.String(),
		To:         r.Target.String(),
		Applied:    r.Applied,
		DiffFile:   r.DiffFile,
		Statements: r.Statements,
	}
	if r.Strategy != nil {
		rep.Strategy = r.Strategy.Name()
	}
	if r.Diff != nil {
		rep.DiffDescription = r.Diff.Description
	}
	if r.Metrics != nil {
		rep.Duration = r.Metrics.TotalDuration
	}
	return rep
}

// Manager runs upgrades for one installation.
type Manager struct {
	uctx     Context
	cfg      Config
	deps     Dependencies
	strategy *strategy.Manager
	differ   *schema.Differ
	tracer   trace.Tracer
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewManager validates the context and configuration and builds a Manager.
func NewManager(uctx Context, cfg Config, deps Dependencies) (*Manager, error) {
	if err := uctx.validate(); err != nil {
		return nil, err
	}
	if deps.Supplier == nil || deps.Store == nil || deps.Applier == nil {
		return nil, errors.New("upgrade: supplier, store and applier are required")
	}
	differ, err := schema.NewDiffer(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("invalid schema options: %w", err)
	}
	if cfg.LockedBy == "" {
		host, _ := os.Hostname()
		cfg.LockedBy = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		uctx:     uctx,
		cfg:      cfg,
		deps:     deps,
		strategy: strategy.NewManager(uctx.Arch),
		differ:   differ,
		tracer:   tracer,
		logger:   logger.WithField("install_key", uctx.InstallKey()),
		now:      time.Now,
	}, nil
}

// Context returns the installation the manager upgrades.
func (m *Manager) Context() Context { return m.uctx }

// Check reports what Run would do without downloading or changing anything.
func (m *Manager) Check(current version.Version, mf *manifest.ServiceManifest, forceFull bool) (*nuwax.CheckReport, error) {
	return Check(m.uctx.Arch, current, mf, forceFull)
}

// Check decides the strategy for arch and describes it. It needs no
// installation state and is used by read-only callers.
func Check(arch manifest.Architecture, current version.Version, mf *manifest.ServiceManifest, forceFull bool) (*nuwax.CheckReport, error) {
	s, err := strategy.NewManager(arch).DetermineStrategy(current, forceFull, mf)
	if err != nil {
		return nil, err
	}
	rep := &nuwax.CheckReport{
		Current:      current.String(),
		Available:    mf.Version.String(),
		Strategy:     s.Name(),
		ReleaseNotes: mf.ReleaseNotes,
		ReleaseDate:  mf.ReleaseDate,
	}
	rep.DownloadURL, _, _, _ = artifact(s)
	return rep, nil
}

// artifact returns the download parameters of s.
func artifact(s strategy.Strategy) (url, hash, signature string, size int64) {
	switch st := s.(type) {
	case strategy.FullUpgrade:
		return st.URL, st.Hash, st.Signature, st.Size
	case strategy.PatchUpgrade:
		return st.Patch.URL(), st.Patch.Hash(), st.Patch.Signature(), 0
	}
	return "", "", "", 0
}

// Run performs one upgrade attempt. The install lock is held for the whole
// attempt and the outcome is recorded in the store.
//
// Errors from the apply phase are *patch.Error values; callers branch on
// patch.IsRecoverable and patch.RequiresRollback. A migration failure is
// returned as *migration.StatementError after the new files are in place.
func (m *Manager) Run(ctx context.Context, req Request) (res *Result, err error) {
	started := m.now()
	metrics := perf.NewPipelineMetrics()
	ctx = perf.WithMetrics(ctx, metrics)

	ctx, span := m.tracer.Start(ctx, "upgrade.run", trace.WithAttributes(
		attribute.String("install_key", m.uctx.InstallKey()),
		attribute.String("current_version", req.Current.String()),
		attribute.Bool("force_full", req.ForceFull),
	))
	defer func() {
		metrics.SetTotal(m.now().Sub(started))
		endSpan(span, err)
	}()

	var s strategy.Strategy
	err = m.phase(ctx, metrics, perf.PhaseStrategy, func(context.Context) error {
		var err error
		s, err = m.strategy.DetermineStrategy(req.Current, req.ForceFull, req.Manifest)
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("strategy", s.Name()))

	res = &Result{Strategy: s, Target: s.TargetVersion(), Metrics: metrics}
	if _, ok := s.(strategy.NoUpgrade); ok {
		m.logger.WithField("version", req.Current.String()).Info("installation is up to date")
		return res, nil
	}

	key := m.uctx.InstallKey()
	if err := m.deps.Store.AcquireUpgradeLock(ctx, key, m.cfg.LockedBy); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := m.deps.Store.ReleaseUpgradeLock(context.WithoutCancel(ctx), key, m.cfg.LockedBy); rerr != nil {
			m.logger.WithError(rerr).Warn("failed to release upgrade lock")
		}
	}()

	attempt := &database.Attempt{
		ID:          nuwax.NewAttemptID(),
		InstallKey:  key,
		FromVersion: req.Current.String(),
		ToVersion:   res.Target.String(),
		Strategy:    s.Name(),
	}
	if err := m.deps.Store.BeginAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	res.AttemptID = attempt.ID
	span.SetAttributes(attribute.String("attempt_id", attempt.ID))

	logger := m.logger.WithFields(logrus.Fields{
		"attempt_id": attempt.ID,
		"from":       attempt.FromVersion,
		"to":         attempt.ToVersion,
		"strategy":   attempt.Strategy,
	})
	logger.Info("starting upgrade")

	runErr := m.run(ctx, req, s, res, logger)
	m.finish(ctx, attempt, res, started, runErr, logger)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (m *Manager) run(ctx context.Context, req Request, s strategy.Strategy, res *Result, logger logrus.FieldLogger) error {
	metrics := res.Metrics
	url, hash, signature, size := artifact(s)
	archive := strategy.ArtifactPath(m.uctx.CacheDir, s)

	err := m.phase(ctx, metrics, perf.PhaseDownload, func(ctx context.Context) error {
		cached, err := download.Cached(archive, hash, size)
		if err != nil {
			return patch.Wrap(patch.KindIO, "download", err)
		}
		if cached {
			logger.WithField("path", archive).Info("using cached artifact")
			return nil
		}
		dl, err := m.deps.Supplier.Fetch(ctx, url, archive)
		if err != nil {
			return err
		}
		metrics.RecordDownload(dl.Size, dl.Attempts)
		return nil
	})
	if err != nil {
		return err
	}

	err = m.phase(ctx, metrics, perf.PhaseVerify, func(context.Context) error {
		return m.deps.Applier.Verify(archive, hash, signature)
	})
	if err != nil {
		// A corrupt artifact must not be reused from the cache.
		if kind, _ := patch.KindOf(err); kind == patch.KindHashMismatch || kind == patch.KindSignatureVerificationFailed {
			if rmErr := os.Remove(archive); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.WithError(rmErr).Warn("failed to remove rejected artifact")
			}
		}
		return err
	}

	if m.deps.Compose != nil {
		if err := m.deps.Compose.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop services: %w", err)
		}
	}

	applyErr := m.phase(ctx, metrics, perf.PhaseApply, func(ctx context.Context) error {
		switch st := s.(type) {
		case strategy.PatchUpgrade:
			ops := st.Patch.Operations()
			metrics.RecordApply(ops.Replace.Len() + ops.Delete.Len())
			return m.deps.Applier.ApplyArchive(ctx, m.uctx.Root, archive, hash, signature, ops)
		case strategy.FullUpgrade:
			return m.deps.Applier.InstallFull(ctx, m.uctx.Root, archive, hash, signature)
		}
		return patch.Errorf(patch.KindUnsupportedOperation, "apply", "unsupported strategy %s", s.Name())
	})

	// After a failed rollback the root is in an unknown state and must not
	// be started.
	if m.deps.Compose != nil && !isKind(applyErr, patch.KindRollbackFailed) {
		if err := m.deps.Compose.Start(ctx); err != nil {
			if applyErr != nil {
				logger.WithError(err).Error("failed to restart services after failed apply")
				return applyErr
			}
			return fmt.Errorf("failed to start services: %w", err)
		}
	}
	if applyErr != nil {
		return applyErr
	}
	res.Applied = true

	return m.migrate(ctx, req, res, logger)
}

// migrate diffs the shipped schema against the recorded one, writes the
// script and executes it.
func (m *Manager) migrate(ctx context.Context, req Request, res *Result, logger logrus.FieldLogger) error {
	metrics := res.Metrics
	schemaFile := req.SchemaFile
	if schemaFile == "" {
		schemaFile = m.cfg.SchemaFile
	}
	if !filepath.IsAbs(schemaFile) {
		schemaFile = filepath.Join(m.uctx.Root, schemaFile)
	}
	newSQL, err := os.ReadFile(schemaFile)
	if os.IsNotExist(err) {
		logger.WithField("schema_file", schemaFile).Warn("no shipped schema, skipping migration")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	key := m.uctx.InstallKey()
	target := res.Target.String()
	err = m.phase(ctx, metrics, perf.PhaseDiff, func(ctx context.Context) error {
		recorded, err := m.deps.Store.LatestSchema(ctx, key)
		if err != nil {
			return err
		}
		var oldSQL, oldVersion *string
		if recorded != nil {
			oldSQL, oldVersion = &recorded.SQL, &recorded.Version
		}
		diff, err := m.differ.GenerateSchemaDiff(oldSQL, string(newSQL), oldVersion, target)
		if err != nil {
			return err
		}
		res.Diff = &diff
		if diff.Empty() {
			return nil
		}

		out := req.DiffOut
		if out == "" {
			out = filepath.Join(m.uctx.CacheDir, res.Target.Base().String(),
				fmt.Sprintf("schema_%s_to_%s.sql", diff.FromVersion, diff.ToVersion))
		}
		meta := schema.Meta{Generator: "nuwax-upgrade", GeneratedAt: m.now()}
		if err := schema.WriteFile(out, diff, meta); err != nil {
			return err
		}
		res.DiffFile = out
		return nil
	})
	if err != nil {
		return err
	}

	if res.Diff.Empty() {
		logger.Info("schema unchanged")
	} else if m.deps.Migrator == nil {
		logger.WithField("diff_file", res.DiffFile).Warn("no database configured, migration script left for manual execution")
		return nil
	} else {
		err = m.phase(ctx, metrics, perf.PhaseMigrate, func(ctx context.Context) error {
			return m.deps.Migrator.ExecuteDiffSQL(ctx, res.Diff.SQL)
		})
		if err != nil {
			return err
		}
		res.Statements = len(res.Diff.Statements)
		metrics.RecordMigration(res.Statements)
		logger.WithFields(logrus.Fields{
			"statements":  res.Statements,
			"description": res.Diff.Description,
		}).Info("schema migrated")
	}

	return m.deps.Store.RecordSchema(ctx, key, target, string(newSQL))
}

func (m *Manager) finish(ctx context.Context, attempt *database.Attempt, res *Result, started time.Time, runErr error, logger logrus.FieldLogger) {
	status := database.AttemptCompleted
	switch {
	case runErr == nil:
	case isKind(runErr, patch.KindAtomicOperationFailed):
		status = database.AttemptRolledBack
	default:
		status = database.AttemptFailed
	}

	if err := m.deps.Store.FinishAttempt(context.WithoutCancel(ctx), attempt.ID, status, res.DiffFile, runErr); err != nil {
		logger.WithError(err).Error("failed to record attempt outcome")
	}

	res.Metrics.SetTotal(m.now().Sub(started))
	if c := m.deps.Collectors; c != nil {
		c.Observe(res.Metrics)
		c.RecordAttempt(attempt.Strategy, string(status), m.now())
		if m.cfg.MetricsTextfile != "" {
			if err := c.WriteTextfile(m.cfg.MetricsTextfile); err != nil {
				logger.WithError(err).Warn("failed to write metrics")
			}
		}
	}

	entry := logger.WithFields(logrus.Fields{
		"status":   string(status),
		"duration": res.Metrics.TotalDuration.String(),
	})
	if runErr != nil {
		entry.WithError(runErr).Error("upgrade failed")
		return
	}
	entry.Info("upgrade completed")
}

// phase runs fn as one timed, traced pipeline phase.
func (m *Manager) phase(ctx context.Context, metrics *perf.PipelineMetrics, p perf.Phase, fn func(context.Context) error) (err error) {
	ctx, span := m.tracer.Start(ctx, "upgrade."+string(p))
	timer := perf.Start(string(p), m.logger)
	defer func() {
		metrics.RecordPhase(p, timer.StopWithThreshold(10*time.Minute))
		endSpan(span, err)
	}()
	return fn(ctx)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind, ok := patch.KindOf(err); ok {
			span.SetAttributes(attribute.String("error.kind", kind.String()))
		}
	}
	span.End()
}

func isKind(err error, k patch.Kind) bool {
	got, ok := patch.KindOf(err)
	return ok && got == k
}
