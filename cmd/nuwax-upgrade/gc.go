package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nuwax "github.com/nuwax-ai/nuwax-cli-sub001"
	"github.com/nuwax-ai/nuwax-cli-sub001/database"
	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/version"
)

type gcFlags struct {
	dryRun     bool
	force      bool
	ignoreLock bool
}

// Orphan kinds
const (
	orphanBackup  = "backup"
	orphanStaging = "staging"
	orphanTemp    = "temp"
	orphanCache   = "cache"
)

// GCResult contains the results of a garbage collection run.
type GCResult struct {
	Found   int      `json:"found"`
	Cleaned int      `json:"cleaned"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Bytes   int64    `json:"bytes"`
	Orphans []Orphan `json:"orphans"`
}

// Orphan is a leftover path from an earlier attempt.
type Orphan struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Size    int64  `json:"size"`
	Cleaned bool   `json:"cleaned,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newGCCmd(a *app) *cobra.Command {
	var flags gcFlags
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove leftover backups, staging directories and stale cached artifacts",
		Long: `Gc finds what interrupted attempts left behind: backup directories under the
root, staging directories and partial downloads in the cache, and cached
artifacts of versions other than the installed one.

Backups named by a recorded failure are kept, they are needed to restore the
installation by hand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.gc(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			a.printGC(cmd.OutOrStdout(), res, flags.dryRun)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "show what would be cleaned without cleaning")
	cmd.Flags().BoolVar(&flags.force, "force", false, "actually remove the orphans (required for non-dry-run)")
	cmd.Flags().BoolVar(&flags.ignoreLock, "ignore-lock", false, "run even while an upgrade holds the install lock (DANGEROUS)")
	return cmd
}

func (a *app) gc(ctx context.Context, flags gcFlags) (*GCResult, error) {
	if !flags.dryRun && !flags.force {
		return nil, fmt.Errorf("must specify either --dry-run or --force")
	}
	if flags.dryRun && flags.force {
		return nil, fmt.Errorf("cannot specify both --dry-run and --force")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := a.logger.WithField("command", "gc")

	db, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	key := nuwax.DeriveInstallKey(a.cfg.Install.Root, a.cfg.Install.Project)
	lock, err := db.UpgradeLockHolder(ctx, key)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		if !flags.ignoreLock {
			return nil, fmt.Errorf("upgrade in progress (locked by %s since %s), use --ignore-lock to override", lock.LockedBy, humanize.Time(lock.LockedAt))
		}
		logger.WithField("locked_by", lock.LockedBy).Warn("install lock held but --ignore-lock specified, proceeding")
	}

	attempts, err := db.ListAttempts(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	installed, err := a.cfg.Install.readInstalledVersion()
	if err != nil {
		return nil, err
	}

	orphans, err := findOrphans(a.cfg.Install.Root, a.cfg.Install.CacheDir, installed, attempts)
	if err != nil {
		return nil, err
	}

	res := &GCResult{Orphans: orphans}
	for i := range res.Orphans {
		o := &res.Orphans[i]
		res.Found++
		if o.Skipped {
			res.Skipped++
			logger.WithFields(logrus.Fields{"path": o.Path, "reason": o.Reason}).Warn("keeping orphan")
			continue
		}
		res.Bytes += o.Size
		if flags.dryRun {
			continue
		}
		if err := os.RemoveAll(o.Path); err != nil {
			o.Error = err.Error()
			res.Failed++
			logger.WithError(err).WithField("path", o.Path).Warn("failed to remove orphan")
			continue
		}
		o.Cleaned = true
		res.Cleaned++
		logger.WithFields(logrus.Fields{"path": o.Path, "kind": o.Kind}).Debug("removed orphan")
	}

	logger.WithFields(logrus.Fields{
		"found":   res.Found,
		"cleaned": res.Cleaned,
		"failed":  res.Failed,
		"skipped": res.Skipped,
		"bytes":   humanize.Bytes(uint64(res.Bytes)),
		"dry_run": flags.dryRun,
	}).Info("garbage collection complete")
	return res, nil
}

// findOrphans lists leftover paths under root and cacheDir. installed is the
// version whose cache directory is kept; attempts decide which backups are
// still referenced.
func findOrphans(root, cacheDir, installed string, attempts []*database.Attempt) ([]Orphan, error) {
	var orphans []Orphan

	prefix := patch.DefaultConfig().BackupPrefix
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		o := Orphan{Path: filepath.Join(root, e.Name()), Kind: orphanBackup}
		if at := referencingAttempt(o.Path, attempts); at != nil {
			o.Skipped = true
			o.Reason = fmt.Sprintf("named by failed attempt %s", at.ID)
		}
		orphans = append(orphans, o)
	}

	keep := ""
	if installed != "" {
		if v, err := version.Parse(installed); err == nil {
			keep = v.Base().String()
		}
	}

	entries, err = os.ReadDir(cacheDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(cacheDir, e.Name())
		switch {
		case !e.IsDir():
			if strings.HasSuffix(e.Name(), ".tmp") {
				orphans = append(orphans, Orphan{Path: path, Kind: orphanTemp})
			}
		case e.Name() == keep:
			orphans = append(orphans, versionLeftovers(path)...)
		default:
			if _, err := version.Parse(e.Name()); err == nil {
				orphans = append(orphans, Orphan{Path: path, Kind: orphanCache})
			}
		}
	}

	for i := range orphans {
		orphans[i].Size = diskUsage(orphans[i].Path)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Path < orphans[j].Path })
	return orphans, nil
}

// versionLeftovers returns the staging directories and partial downloads
// inside a kept version directory.
func versionLeftovers(dir string) []Orphan {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Orphan
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir() && strings.HasPrefix(e.Name(), "staging-"):
			out = append(out, Orphan{Path: path, Kind: orphanStaging})
		case !e.IsDir() && strings.HasSuffix(e.Name(), ".tmp"):
			out = append(out, Orphan{Path: path, Kind: orphanTemp})
		}
	}
	return out
}

func referencingAttempt(path string, attempts []*database.Attempt) *database.Attempt {
	for _, at := range attempts {
		if at.Status != database.AttemptCompleted && at.Error != "" && strings.Contains(at.Error, path) {
			return at
		}
	}
	return nil
}

func diskUsage(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func (a *app) printGC(w io.Writer, res *GCResult, dryRun bool) {
	st := a.styles
	var b strings.Builder
	b.WriteString(st.Title.Render("Garbage collection") + "\n")
	if len(res.Orphans) == 0 {
		b.WriteString(st.Success.Render(SymbolSuccess+" nothing to clean") + "\n")
		fmt.Fprint(w, b.String())
		return
	}

	rows := make([][]string, 0, len(res.Orphans))
	for _, o := range res.Orphans {
		state := st.Muted.Render(SymbolPending + " would remove")
		switch {
		case o.Skipped:
			state = st.Warning.Render(SymbolWarning + " kept: " + o.Reason)
		case o.Error != "":
			state = st.Error.Render(SymbolError + " " + o.Error)
		case o.Cleaned:
			state = st.Success.Render(SymbolSuccess + " removed")
		}
		rows = append(rows, []string{o.Kind, humanize.Bytes(uint64(o.Size)), o.Path, state})
	}
	b.WriteString(st.Table([]string{"KIND", "SIZE", "PATH", "STATE"}, rows))
	b.WriteString("\n")
	if dryRun {
		b.WriteString(st.Info.Render(fmt.Sprintf("DRY RUN: %d orphans, %s reclaimable. Run with --force to clean up.", res.Found-res.Skipped, humanize.Bytes(uint64(res.Bytes)))) + "\n")
	} else {
		b.WriteString(st.Field("Cleaned", fmt.Sprintf("%d (%s)", res.Cleaned, humanize.Bytes(uint64(res.Bytes)))) + "\n")
		if res.Failed > 0 {
			b.WriteString(st.Error.Render(fmt.Sprintf("%s %d could not be removed, manual intervention may be required", SymbolError, res.Failed)) + "\n")
		}
	}
	fmt.Fprint(w, b.String())
}
