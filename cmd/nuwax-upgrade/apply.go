package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/perf"
	"github.com/nuwax-ai/nuwax-cli-sub001/upgrade"
)

type applyFlags struct {
	manifestFlags
	schemaFile  string
	diffOut     string
	noMigrate   bool
	skipCompose bool
}

func newApplyCmd(a *app) *cobra.Command {
	var flags applyFlags
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Download, verify and apply the upgrade, then migrate the database",
		Long: `Apply runs one upgrade attempt against the configured installation.

The artifact is verified before the stack is stopped. Files are replaced with
backup and rollback, so a failed apply leaves the installation as it was. The
schema shipped with the new version is diffed against the schema recorded for
the installation and the resulting script is executed on the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.apply(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.schemaFile, "schema-file", "", "shipped schema script, relative to the root (default from config)")
	cmd.Flags().StringVar(&flags.diffOut, "diff-out", "", "where to write the migration script (default: the artifact cache)")
	cmd.Flags().BoolVar(&flags.noMigrate, "no-migrate", false, "write the migration script but do not execute it")
	cmd.Flags().BoolVar(&flags.skipCompose, "skip-compose", false, "do not stop and start the stack")
	return cmd
}

func (a *app) apply(ctx context.Context, out io.Writer, flags applyFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	current, err := a.currentVersion(flags.current)
	if err != nil {
		return err
	}
	uctx, err := a.upgradeContext()
	if err != nil {
		return err
	}
	sup, err := a.suppliers(ctx)
	if err != nil {
		return err
	}
	mf, err := a.loadManifest(ctx, flags.manifest, sup)
	if err != nil {
		return err
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	exec, err := a.executor()
	if err != nil {
		return err
	}

	deps := upgrade.Dependencies{
		Supplier:   sup,
		Store:      db,
		Applier:    exec,
		Collectors: perf.NewCollectors(),
		Logger:     a.logger,
	}
	if !flags.skipCompose {
		deps.Compose = upgrade.NewExecCompose(uctx.ComposeFile, uctx.ProjectName, a.logger)
	}
	if !flags.noMigrate {
		runner, closeDB, err := a.migrator()
		if err != nil {
			return err
		}
		defer closeDB()
		deps.Migrator = runner
	}

	mgr, err := upgrade.NewManager(uctx, a.cfg.Upgrade, deps)
	if err != nil {
		return err
	}

	res, err := mgr.Run(ctx, upgrade.Request{
		Current:    current,
		Manifest:   mf,
		ForceFull:  flags.forceFull,
		SchemaFile: flags.schemaFile,
		DiffOut:    flags.diffOut,
	})
	if res != nil && res.Metrics != nil {
		a.logger.Debug(res.Metrics.Summary())
	}
	if err != nil {
		a.explainFailure(err, res)
		return err
	}

	if res.Applied {
		if err := a.cfg.Install.writeInstalledVersion(res.Target.String()); err != nil {
			return err
		}
	}

	rep := res.Report(current)
	if a.jsonOut {
		return writeJSON(out, rep)
	}

	st := a.styles
	var b strings.Builder
	if !res.Applied {
		b.WriteString(st.Success.Render(SymbolSuccess+" already up to date at "+rep.To) + "\n")
	} else {
		b.WriteString(st.Success.Render(fmt.Sprintf("%s upgraded %s %s %s (%s)", SymbolSuccess, rep.From, SymbolArrow, rep.To, rep.Strategy)) + "\n")
		b.WriteString(st.Field("Attempt", rep.AttemptID) + "\n")
		if rep.DiffDescription != "" {
			b.WriteString(st.Field("Schema", rep.DiffDescription) + "\n")
		}
		if rep.DiffFile != "" {
			b.WriteString(st.Field("Script", rep.DiffFile) + "\n")
		}
		b.WriteString(st.Field("Duration", FormatDuration(rep.Duration)) + "\n")
	}
	fmt.Fprint(out, b.String())
	return nil
}

// explainFailure logs what state the installation was left in.
func (a *app) explainFailure(err error, res *upgrade.Result) {
	logger := a.logger.WithError(err)
	if res != nil && res.AttemptID != "" {
		logger = logger.WithField("attempt_id", res.AttemptID)
	}

	var pe *patch.Error
	kind, _ := patch.KindOf(err)
	switch {
	case kind == patch.KindRollbackFailed:
		if errors.As(err, &pe) && pe.BackupDir != "" {
			logger = logger.WithField("backup_dir", pe.BackupDir)
		}
		logger.Error("rollback failed, restore the managed paths from the backup directory before retrying")
	case kind == patch.KindAtomicOperationFailed:
		logger.Warn("upgrade rolled back, the installation is unchanged and the upgrade can be retried")
	case patch.IsRecoverable(err):
		logger.Warn("upgrade failed before changing the installation, retrying may succeed")
	case res != nil && res.Applied:
		logger.Error("files were upgraded but the database migration failed, run the migrate command after fixing the cause")
	default:
		logger.Error("upgrade rejected, the installation is unchanged")
	}
}
