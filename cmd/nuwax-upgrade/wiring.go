package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuwax-ai/nuwax-cli-sub001/database"
	"github.com/nuwax-ai/nuwax-cli-sub001/download"
	"github.com/nuwax-ai/nuwax-cli-sub001/manifest"
	"github.com/nuwax-ai/nuwax-cli-sub001/migration"
	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/s3"
	"github.com/nuwax-ai/nuwax-cli-sub001/upgrade"
	"github.com/nuwax-ai/nuwax-cli-sub001/verify"
	"github.com/nuwax-ai/nuwax-cli-sub001/version"
)

func (a *app) openStore() (*database.DB, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := database.New(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	db.SetLogger(a.logger)
	return db, nil
}

// suppliers routes http, https, s3 and file URLs.
func (a *app) suppliers(ctx context.Context) (*download.MultiSupplier, error) {
	m := download.NewMultiSupplier(a.logger)
	h := download.NewHTTPSupplier(a.cfg.HTTP, a.logger)
	m.Register("http", h)
	m.Register("https", h)

	client, err := s3.New(ctx, a.cfg.S3)
	if err != nil {
		return nil, err
	}
	client.SetLogger(a.logger)
	m.Register("s3", download.NewS3Supplier(client, a.cfg.HTTP.Retry, a.logger))
	return m, nil
}

func (a *app) executor() (*patch.Executor, error) {
	verifier, err := verify.LoadVerifier(a.cfg.Patch.PublicKey)
	if err != nil {
		return nil, err
	}
	cfg := patch.DefaultConfig()
	cfg.FullStripComponents = a.cfg.Patch.StripComponents
	cfg.RequiredFullEntries = a.cfg.Patch.RequiredEntries
	x := patch.NewExecutor(cfg, verifier)
	x.SetLogger(a.logger)
	return x, nil
}

// migrator connects to the application database.
func (a *app) migrator() (*migration.Runner, func(), error) {
	db, err := migration.OpenMySQL(a.cfg.MySQL)
	if err != nil {
		return nil, nil, err
	}
	r := migration.NewRunner(db, a.cfg.Migration)
	r.SetLogger(a.logger)
	return r, func() { db.Close() }, nil
}

func (a *app) arch() (manifest.Architecture, error) {
	if a.cfg.Install.Arch != "" {
		return manifest.ParseArchitecture(a.cfg.Install.Arch)
	}
	return manifest.CurrentArchitecture()
}

func (a *app) upgradeContext() (upgrade.Context, error) {
	arch, err := a.arch()
	if err != nil {
		return upgrade.Context{}, err
	}
	return upgrade.Context{
		ComposeFile: a.cfg.Install.composeFile(),
		ProjectName: a.cfg.Install.Project,
		Root:        a.cfg.Install.Root,
		CacheDir:    a.cfg.Install.CacheDir,
		Arch:        arch,
	}, nil
}

// currentVersion parses flag, falling back to the installed version file.
func (a *app) currentVersion(flag string) (version.Version, error) {
	s := flag
	if s == "" {
		installed, err := a.cfg.Install.readInstalledVersion()
		if err != nil {
			return version.Version{}, err
		}
		if installed == "" {
			return version.Version{}, fmt.Errorf("installed version unknown: pass --current or create %s", a.cfg.Install.versionFile())
		}
		s = installed
	}
	return version.Parse(s)
}

// loadManifest reads a manifest from a local path or any URL the suppliers
// handle. Files ending in .yaml or .yml are decoded as YAML.
func (a *app) loadManifest(ctx context.Context, src string, sup download.Supplier) (*manifest.ServiceManifest, error) {
	if src == "" {
		return nil, fmt.Errorf("--manifest is required")
	}
	path := src
	if strings.Contains(src, "://") && !strings.HasPrefix(src, "file://") {
		dest := filepath.Join(a.cfg.Install.CacheDir, "manifest"+manifestExt(src))
		res, err := sup.Fetch(ctx, src, dest)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch manifest: %w", err)
		}
		path = res.Path
	}
	path = strings.TrimPrefix(path, "file://")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if ext := manifestExt(path); ext == ".yaml" || ext == ".yml" {
		return manifest.ParseYAML(data)
	}
	return manifest.Parse(data)
}

func manifestExt(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	switch ext := strings.ToLower(filepath.Ext(s)); ext {
	case ".yaml", ".yml", ".json":
		return ext
	}
	return ".json"
}
