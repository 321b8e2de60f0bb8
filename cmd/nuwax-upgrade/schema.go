package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuwax-ai/nuwax-cli-sub001/migration"
	"github.com/nuwax-ai/nuwax-cli-sub001/schema"
)

type schemaDiffFlags struct {
	oldFile string
	newFile string
	from    string
	to      string
	out     string
}

func newSchemaDiffCmd(a *app) *cobra.Command {
	var flags schemaDiffFlags
	cmd := &cobra.Command{
		Use:   "schema-diff",
		Short: "Generate the MySQL migration script between two schema files",
		Long: `Schema-diff compares two CREATE TABLE scripts and prints the DDL that turns
the old schema into the new one. Without --old every table of the new schema
is created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.schemaDiff(cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.oldFile, "old", "", "schema of the installed version")
	cmd.Flags().StringVar(&flags.newFile, "new", "", "schema of the target version")
	cmd.Flags().StringVar(&flags.from, "from", "", "installed version label")
	cmd.Flags().StringVar(&flags.to, "to", "", "target version label")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "", "write the script to a file instead of stdout")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

func (a *app) schemaDiff(out io.Writer, flags schemaDiffFlags) error {
	newSQL, err := os.ReadFile(flags.newFile)
	if err != nil {
		return fmt.Errorf("failed to read new schema: %w", err)
	}

	var oldSQL, oldVersion *string
	if flags.oldFile != "" {
		data, err := os.ReadFile(flags.oldFile)
		if err != nil {
			return fmt.Errorf("failed to read old schema: %w", err)
		}
		s := string(data)
		oldSQL = &s
	}
	if flags.from != "" {
		oldVersion = &flags.from
	}

	differ, err := schema.NewDiffer(a.cfg.Upgrade.Schema)
	if err != nil {
		return err
	}
	diff, err := differ.GenerateSchemaDiff(oldSQL, string(newSQL), oldVersion, flags.to)
	if err != nil {
		return err
	}

	meta := schema.Meta{Generator: "nuwax-upgrade", GeneratedAt: time.Now()}
	if flags.out == "" {
		_, err := io.WriteString(out, diff.Render(meta))
		return err
	}
	if err := schema.WriteFile(flags.out, diff, meta); err != nil {
		return err
	}
	a.logger.WithField("path", flags.out).
		WithField("statements", len(diff.Statements)).
		Info(diff.Description)
	return nil
}

type migrateFlags struct {
	file   string
	dryRun bool
}

func newMigrateCmd(a *app) *cobra.Command {
	var flags migrateFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Execute a migration script against the application database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.migrate(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "migration script to execute")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "print the statements without executing them")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) migrate(ctx context.Context, out io.Writer, flags migrateFlags) error {
	data, err := os.ReadFile(flags.file)
	if err != nil {
		return fmt.Errorf("failed to read migration script: %w", err)
	}

	if flags.dryRun {
		stmts, err := migration.Split(string(data))
		if err != nil {
			return err
		}
		if a.jsonOut {
			return writeJSON(out, stmts)
		}
		for i, stmt := range stmts {
			fmt.Fprintf(out, "%s %s;\n", a.styles.Muted.Render(fmt.Sprintf("%3d", i+1)), stmt)
		}
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runner, closeDB, err := a.migrator()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := runner.ExecuteDiffSQL(ctx, string(data)); err != nil {
		return err
	}
	fmt.Fprintln(out, a.styles.Success.Render(SymbolSuccess+" migration applied"))
	return nil
}
