package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/database"
)

type historyEntry struct {
	ID       string     `json:"id"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Strategy string     `json:"strategy"`
	Status   string     `json:"status"`
	Error    string     `json:"error,omitempty"`
	DiffFile string     `json:"diff_file,omitempty"`
	Started  time.Time  `json:"started_at"`
	Finished *time.Time `json:"finished_at,omitempty"`
}

type historyReport struct {
	InstallKey string         `json:"install_key"`
	LockedBy   string         `json:"locked_by,omitempty"`
	Attempts   []historyEntry `json:"attempts"`
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded upgrade attempts for this installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.history(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			a.printHistory(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of attempts to show (0 for all)")
	return cmd
}

func (a *app) history(ctx context.Context, limit int) (*historyReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	key := nuwax.DeriveInstallKey(a.cfg.Install.Root, a.cfg.Install.Project)
	rep := &historyReport{InstallKey: key, Attempts: []historyEntry{}}

	lock, err := db.UpgradeLockHolder(ctx, key)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		rep.LockedBy = lock.LockedBy
	}

	attempts, err := db.ListAttempts(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	for _, at := range attempts {
		rep.Attempts = append(rep.Attempts, toHistoryEntry(at))
	}
	return rep, nil
}

func toHistoryEntry(at *database.Attempt) historyEntry {
	return historyEntry{
		ID:       at.ID,
		From:     at.FromVersion,
		To:       at.ToVersion,
		Strategy: at.Strategy,
		Status:   string(at.Status),
		Error:    at.Error,
		DiffFile: at.DiffFile,
		Started:  at.StartedAt,
		Finished: at.FinishedAt,
	}
}

func (a *app) printHistory(w io.Writer, rep *historyReport) {
	st := a.styles
	var b strings.Builder
	b.WriteString(st.Title.Render("Upgrade history") + "\n")
	b.WriteString(st.Field("Install", rep.InstallKey) + "\n")
	if rep.LockedBy != "" {
		b.WriteString(st.Field("Locked by", st.Warning.Render(SymbolWarning+" "+rep.LockedBy)) + "\n")
	}
	b.WriteString("\n")

	if len(rep.Attempts) == 0 {
		b.WriteString(st.Muted.Render("no upgrade attempts recorded") + "\n")
		fmt.Fprint(w, b.String())
		return
	}

	rows := make([][]string, 0, len(rep.Attempts))
	for _, e := range rep.Attempts {
		took := "-"
		if e.Finished != nil {
			took = FormatDuration(e.Finished.Sub(e.Started))
		}
		rows = append(rows, []string{
			st.StatusIcon(e.Status) + " " + e.Status,
			e.From + " " + SymbolArrow + " " + e.To,
			e.Strategy,
			e.Started.Local().Format("2006-01-02 15:04:05"),
			took,
			e.ID,
		})
	}
	b.WriteString(st.Table([]string{"STATUS", "VERSION", "STRATEGY", "STARTED", "TOOK", "ATTEMPT"}, rows))
	for _, e := range rep.Attempts {
		if e.Error != "" {
			b.WriteString(st.Error.Render(SymbolBullet+" "+e.ID+": "+e.Error) + "\n")
		}
	}
	fmt.Fprint(w, b.String())
}
