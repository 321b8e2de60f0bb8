// Package patch applies upgrade artifacts to a managed root with
// all-or-nothing semantics.
//
// Every path an upgrade touches is first moved into a backup directory
// inside the root. Deletes and replaces then run against the emptied paths.
// On success the backup is discarded; on any failure the executor puts every
// backed-up path back and removes whatever it created, so the root ends in
// exactly its pre-apply state. If restoring fails the error is
// KindRollbackFailed and names the backup directory, which is then kept for
// manual recovery.
//
// # Usage Example
//
//	exec := patch.NewExecutor(patch.DefaultConfig(), verifier)
//	exec.SetLogger(logger)
//
//	err := exec.ApplyArchive(ctx, root, "/var/cache/nuwax/1.0.1/patch.tar.gz",
//		patchRef.Hash(), patchRef.Signature(), patchRef.Operations())
//	switch {
//	case err == nil:
//	case patch.RequiresRollback(err) && patch.IsRecoverable(err):
//		// rolled back cleanly, safe to retry
//	case patch.RequiresRollback(err):
//		// rollback failed: manual intervention required
//	}
//
// The backup manifest lives only for the duration of one Apply call and is
// never written to disk.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/extraction"
	"github.com/nuwax-ai/nuwax-cli-sub001/manifest"
	"github.com/nuwax-ai/nuwax-cli-sub001/safeguards"
	"github.com/nuwax-ai/nuwax-cli-sub001/verify"
)

// Config configures the executor.
type Config struct {
	// BackupPrefix names backup directories created under the root
	BackupPrefix string

	// StagingDir is where archives are extracted before applying. Empty
	// means next to the archive.
	StagingDir string

	// Extraction limits applied to patch and full archives
	Extraction extraction.ExtractionOptions

	// FullStripComponents strips leading components from full package
	// entries, for packages that wrap the stack in a top-level directory
	FullStripComponents int

	// RequiredFullEntries must exist in a full package payload, e.g. the
	// compose file
	RequiredFullEntries []string

	// Guard serializes mutations and shields signals (default: shielding
	// SIGINT and SIGTERM)
	Guard safeguards.GuardConfig
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		BackupPrefix: ".upgrade-backup-",
		Extraction:   extraction.DefaultOptions(),
		Guard:        safeguards.DefaultGuardConfig(),
	}
}

// Executor applies plans and archives.
type Executor struct {
	cfg       Config
	logger    *logrus.Logger
	verifier  *verify.Verifier
	extractor *extraction.Extractor
	guard     *safeguards.ApplyGuard
	newID     func() string

	// beforeOp is a fault injection point for tests. It runs before each
	// mutating step.
	beforeOp func(step string, rel string) error
}

// NewExecutor creates an executor. verifier may be nil, in which case signed
// artifacts are rejected.
func NewExecutor(cfg Config, verifier *verify.Verifier) *Executor {
	if cfg.BackupPrefix == "" {
		cfg.BackupPrefix = DefaultConfig().BackupPrefix
	}
	if cfg.Extraction.MaxFiles == 0 {
		cfg.Extraction = extraction.DefaultOptions()
	}
	if verifier == nil {
		verifier = verify.NewVerifier(nil)
	}
	logger := logrus.New()
	x := &Executor{
		cfg:       cfg,
		logger:    logger,
		verifier:  verifier,
		extractor: extraction.New(),
		newID:     nuwax.NewBackupID,
	}
	x.SetLogger(logger)
	return x
}

// SetLogger sets a custom logger.
func (x *Executor) SetLogger(logger *logrus.Logger) {
	x.logger = logger
	x.extractor.SetLogger(logger)
	guardCfg := x.cfg.Guard
	guardCfg.Logger = logger
	x.guard = safeguards.NewApplyGuard(guardCfg)
}

// SuppressLogs disables all log output from the executor.
func (x *Executor) SuppressLogs() {
	x.logger.SetOutput(io.Discard)
}

// backupEntry records the pre-apply state of one touched path.
type backupEntry struct {
	rel    string
	absent bool
}

// backupManifest is the in-memory record of one Apply call.
type backupManifest struct {
	dir     string
	entries []backupEntry
	mk      dirMaker
}

func (b *backupManifest) path(rel string) string {
	return filepath.Join(b.dir, filepath.FromSlash(rel))
}

// Apply runs plan against its root. Errors before the first mutation leave
// the root untouched. Errors after it trigger a rollback and are reported as
// KindAtomicOperationFailed, or KindRollbackFailed if the rollback could not
// complete.
func (x *Executor) Apply(ctx context.Context, plan *Plan) error {
	start := time.Now()
	logger := x.logger.WithFields(logrus.Fields{
		"root": plan.Root,
		"ops":  len(plan.Ops),
	})

	if err := ctx.Err(); err != nil {
		return Wrap(KindIO, "preflight", fmt.Errorf("apply cancelled: %w", err))
	}
	if err := x.preflight(plan); err != nil {
		logger.WithError(err).Warn("patch preflight failed")
		return err
	}

	var applyErr error
	guardErr := x.guard.Run(ctx, "apply", func() error {
		applyErr = x.mutate(ctx, plan, logger)
		return nil
	})
	if guardErr != nil {
		return Wrap(KindIO, "preflight", guardErr)
	}
	if applyErr != nil {
		return applyErr
	}

	replaces, deletes := plan.Counts()
	logger.WithFields(logrus.Fields{
		"replaced": replaces,
		"deleted":  deletes,
		"duration": time.Since(start),
	}).Info("patch applied")
	return nil
}

func (x *Executor) preflight(plan *Plan) error {
	if len(plan.Ops) == 0 {
		return nil
	}
	info, err := os.Stat(plan.Root)
	if err != nil {
		return &Error{Kind: KindMissingPrerequisite, Op: "preflight", Err: fmt.Errorf("managed root: %w", err)}
	}
	if !info.IsDir() {
		return &Error{Kind: KindMissingPrerequisite, Op: "preflight", Err: fmt.Errorf("managed root %s is not a directory", plan.Root)}
	}

	for _, op := range plan.Ops {
		pathOp, ok := pathOps[op.Kind]
		if !ok {
			return &Error{Kind: KindUnsupportedOperation, Op: "preflight", Paths: []string{op.Rel},
				Err: fmt.Errorf("unknown operation %s", op.Kind)}
		}
		if strings.HasPrefix(op.Rel, x.cfg.BackupPrefix) {
			return &Error{Kind: KindUnsupportedOperation, Op: "preflight", Paths: []string{op.Rel},
				Err: fmt.Errorf("%s collides with the backup directory prefix", op.Rel)}
		}
		if within(plan.Target(op.Rel), plan.PayloadDir) {
			return &Error{Kind: KindUnsupportedOperation, Op: "preflight", Paths: []string{op.Rel},
				Err: fmt.Errorf("%s contains the payload directory", op.Rel)}
		}
		if err := pathOp.Preflight(plan, op.Rel); err != nil {
			return err
		}
	}

	check, err := os.CreateTemp(plan.Root, ".upgrade-write-check-*")
	if err != nil {
		return &Error{Kind: KindMissingPrerequisite, Op: "preflight", Err: fmt.Errorf("managed root is not writable: %w", err)}
	}
	check.Close()
	os.Remove(check.Name())
	return nil
}

func (x *Executor) mutate(ctx context.Context, plan *Plan, logger logrus.FieldLogger) (err error) {
	if len(plan.Ops) == 0 {
		return nil
	}
	bm := &backupManifest{dir: filepath.Join(plan.Root, x.cfg.BackupPrefix+x.newID())}
	if err := os.Mkdir(bm.dir, 0700); err != nil {
		return Wrap(KindIO, "backup", fmt.Errorf("failed to create backup directory: %w", err))
	}
	logger = logger.WithField("backup", bm.dir)

	fail := func(step string, rel string, cause error) error {
		logger.WithError(cause).WithFields(logrus.Fields{
			"step": step,
			"path": rel,
		}).Error("patch failed, rolling back")
		if failed := x.rollback(plan, bm, logger); len(failed) > 0 {
			return &Error{Kind: KindRollbackFailed, Op: step, Paths: failed, BackupDir: bm.dir, Err: cause}
		}
		return &Error{Kind: KindAtomicOperationFailed, Op: step, Paths: []string{rel}, Err: cause}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fail("apply", "", fmt.Errorf("panic: %v", r))
		}
	}()

	// Back up every touched path that exists.
	for _, rel := range plan.Touched() {
		if err := x.step(ctx, "backup", rel); err != nil {
			return fail("backup", rel, err)
		}
		target := plan.Target(rel)
		if _, err := os.Lstat(target); err != nil {
			if !os.IsNotExist(err) {
				return fail("backup", rel, err)
			}
			bm.entries = append(bm.entries, backupEntry{rel: rel, absent: true})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(bm.path(rel)), 0700); err != nil {
			return fail("backup", rel, err)
		}
		if err := os.Rename(target, bm.path(rel)); err != nil {
			return fail("backup", rel, err)
		}
		bm.entries = append(bm.entries, backupEntry{rel: rel})
	}

	// Deletes, then replaces; plan order already groups them.
	for _, op := range plan.Ops {
		step := op.Kind.String()
		if err := x.step(ctx, step, op.Rel); err != nil {
			return fail(step, op.Rel, err)
		}
		if err := pathOps[op.Kind].Apply(plan, op.Rel, &bm.mk); err != nil {
			return fail(step, op.Rel, err)
		}
	}

	if err := os.RemoveAll(bm.dir); err != nil {
		logger.WithError(err).Warn("failed to remove backup after successful apply")
	}
	return nil
}

// step checks for cancellation and runs the fault injection hook.
func (x *Executor) step(ctx context.Context, step, rel string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("apply cancelled: %w", err)
	}
	if x.beforeOp != nil {
		return x.beforeOp(step, rel)
	}
	return nil
}

// rollback restores the pre-apply state and returns the paths it could not
// restore. The backup directory is removed only when every path came back.
func (x *Executor) rollback(plan *Plan, bm *backupManifest, logger logrus.FieldLogger) []string {
	var failed, restored []string
	for i := len(bm.entries) - 1; i >= 0; i-- {
		e := bm.entries[i]
		target := plan.Target(e.rel)
		if err := os.RemoveAll(target); err != nil {
			logger.WithError(err).WithField("path", e.rel).Error("failed to remove partial artifact")
			failed = append(failed, e.rel)
			continue
		}
		if e.absent {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			logger.WithError(err).WithField("path", e.rel).Error("failed to recreate parent directory")
			failed = append(failed, e.rel)
			continue
		}
		if err := os.Rename(bm.path(e.rel), target); err != nil {
			logger.WithError(err).WithField("path", e.rel).Error("failed to restore backup")
			failed = append(failed, e.rel)
			continue
		}
		restored = append(restored, target)
	}
	bm.mk.removeCreated(restored)

	if len(failed) > 0 {
		logger.WithField("failed", failed).Error("rollback incomplete, backup kept for manual recovery")
		return failed
	}
	if err := os.RemoveAll(bm.dir); err != nil {
		logger.WithError(err).Warn("failed to remove backup after rollback")
	}
	logger.Info("rollback completed")
	return nil
}

// ApplyArchive verifies archive, extracts it to a staging directory and
// applies ops against root with the extracted payload as source.
func (x *Executor) ApplyArchive(ctx context.Context, root, archive, expectedHash, signature string, ops manifest.Operations) error {
	staging, err := x.stage(ctx, archive, expectedHash, signature, 0)
	if err != nil {
		return err
	}
	defer x.cleanStaging(staging)

	plan, err := NewPlan(root, staging, ops)
	if err != nil {
		return err
	}
	return x.Apply(ctx, plan)
}

// InstallFull verifies a full package, extracts it and swaps every top-level
// entry of the payload into root through the same backup and rollback
// machinery as patches.
func (x *Executor) InstallFull(ctx context.Context, root, archive, expectedHash, signature string) error {
	staging, err := x.stage(ctx, archive, expectedHash, signature, x.cfg.FullStripComponents)
	if err != nil {
		return err
	}
	defer x.cleanStaging(staging)

	if err := x.extractor.VerifyPayload(staging, x.cfg.RequiredFullEntries); err != nil {
		return Wrap(KindMissingPrerequisite, "verify", err)
	}
	plan, err := FullInstallPlan(root, staging)
	if err != nil {
		return err
	}
	return x.Apply(ctx, plan)
}

// Verify checks hash and signature of archive without extracting it.
func (x *Executor) Verify(archive, expectedHash, signature string) error {
	if err := verify.VerifyHash(archive, expectedHash); err != nil {
		if errors.Is(err, verify.ErrHashMismatch) {
			return Wrap(KindHashMismatch, "verify", err)
		}
		return Wrap(KindIO, "verify", err)
	}
	if err := x.verifier.VerifySignature(archive, signature); err != nil {
		switch {
		case errors.Is(err, verify.ErrSignatureInvalid):
			return Wrap(KindSignatureVerificationFailed, "verify", err)
		case errors.Is(err, verify.ErrNoPublicKey):
			return Wrap(KindVerification, "verify", err)
		}
		return Wrap(KindIO, "verify", err)
	}
	return nil
}

func (x *Executor) stage(ctx context.Context, archive, expectedHash, signature string, strip int) (string, error) {
	if err := x.Verify(archive, expectedHash, signature); err != nil {
		x.logger.WithError(err).WithField("archive", archive).Error("artifact rejected")
		return "", err
	}

	base := x.cfg.StagingDir
	if base == "" {
		base = filepath.Dir(archive)
	}
	staging := filepath.Join(base, "staging-"+x.newID())

	opts := x.cfg.Extraction
	opts.StripComponents = strip
	if _, err := x.extractor.Extract(ctx, archive, staging, opts); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", Wrap(KindIO, "extract", err)
		}
		return "", Wrap(KindVerification, "extract", err)
	}
	return staging, nil
}

func (x *Executor) cleanStaging(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		x.logger.WithError(err).WithField("staging", dir).Warn("failed to remove staging directory")
	}
}

func within(parent, path string) bool {
	parent = filepath.Clean(parent)
	path = filepath.Clean(path)
	return path == parent || strings.HasPrefix(path, parent+string(os.PathSeparator))
}
