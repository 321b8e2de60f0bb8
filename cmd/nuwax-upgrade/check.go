package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/upgrade"
)

type manifestFlags struct {
	manifest  string
	current   string
	forceFull bool
}

func (f *manifestFlags) register(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&f.manifest, "manifest", "m", "", "release manifest path or URL (http, https, s3, file)")
	cmd.Flags().StringVar(&f.current, "current", "", "installed version (default: read from the version file)")
	cmd.Flags().BoolVar(&f.forceFull, "force-full", false, "reinstall from the full package even if a patch applies")
}

func newCheckCmd(a *app) *cobra.Command {
	var flags manifestFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show which upgrade the manifest offers without applying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.check(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			a.printCheck(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) check(ctx context.Context, flags manifestFlags) (*nuwax.CheckReport, error) {
	current, err := a.currentVersion(flags.current)
	if err != nil {
		return nil, err
	}
	arch, err := a.arch()
	if err != nil {
		return nil, err
	}
	sup, err := a.suppliers(ctx)
	if err != nil {
		return nil, err
	}
	mf, err := a.loadManifest(ctx, flags.manifest, sup)
	if err != nil {
		return nil, err
	}

	return upgrade.Check(arch, current, mf, flags.forceFull)
}

func (a *app) printCheck(w io.Writer, rep *nuwax.CheckReport) {
	st := a.styles
	var b strings.Builder
	b.WriteString(st.Title.Render("Nuwax upgrade check") + "\n")
	b.WriteString(st.Field("Installed", rep.Current) + "\n")
	b.WriteString(st.Field("Available", rep.Available) + "\n")
	if rep.Strategy == "none" {
		b.WriteString(st.Field("Strategy", st.Success.Render(SymbolSuccess+" up to date")) + "\n")
	} else {
		b.WriteString(st.Field("Strategy", st.Info.Render(rep.Current+" "+SymbolArrow+" "+rep.Available+" ("+rep.Strategy+")")) + "\n")
		b.WriteString(st.Field("Download", rep.DownloadURL) + "\n")
	}
	if !rep.ReleaseDate.IsZero() {
		b.WriteString(st.Field("Released", rep.ReleaseDate.Format("2006-01-02")) + "\n")
	}
	if rep.ReleaseNotes != "" {
		b.WriteString("\n" + st.Muted.Render(rep.ReleaseNotes) + "\n")
	}
	fmt.Fprintln(w, st.Box.Render(strings.TrimRight(b.String(), "\n")))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
