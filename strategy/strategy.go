// Package strategy decides how an installation moves to the version announced
// by a release manifest.
//
// Patches are exact-version deltas. Any skipped version, forced reinstall or
// missing patch artifact falls back to a full reinstall; a manifest that does
// not announce a newer version yields NoUpgrade, which is a normal result and
// not an error.
package strategy

import (
	"fmt"
	"path/filepath"

	"github.com/nuwax-ai/nuwax-cli-sub001/manifest"
	"github.com/nuwax-ai/nuwax-cli-sub001/version"
)

// DownloadType tells the caller which kind of artifact to fetch.
type DownloadType string

const (
	DownloadFull  DownloadType = "full"
	DownloadPatch DownloadType = "patch"
)

// Strategy is one of NoUpgrade, FullUpgrade or PatchUpgrade.
type Strategy interface {
	// TargetVersion is the version the installation ends at.
	TargetVersion() version.Version
	// Name is a short label for logs and metrics.
	Name() string

	isStrategy()
}

// NoUpgrade means the installation is already current.
type NoUpgrade struct {
	Target version.Version
}

// FullUpgrade reinstalls the whole stack from a full package.
type FullUpgrade struct {
	URL          string
	Hash         string
	Signature    string
	Size         int64
	Target       version.Version
	DownloadType DownloadType
}

// PatchUpgrade applies an incremental patch on top of the running version.
type PatchUpgrade struct {
	Patch        manifest.PatchRef
	Target       version.Version
	DownloadType DownloadType
}

func (s NoUpgrade) TargetVersion() version.Version    { return s.Target }
func (s FullUpgrade) TargetVersion() version.Version  { return s.Target }
func (s PatchUpgrade) TargetVersion() version.Version { return s.Target }

func (NoUpgrade) Name() string    { return "none" }
func (FullUpgrade) Name() string  { return "full" }
func (PatchUpgrade) Name() string { return "patch" }

func (NoUpgrade) isStrategy()    {}
func (FullUpgrade) isStrategy()  {}
func (PatchUpgrade) isStrategy() {}

// Manager selects upgrade strategies for one architecture.
type Manager struct {
	arch manifest.Architecture
}

// NewManager returns a Manager deciding for arch.
func NewManager(arch manifest.Architecture) *Manager {
	return &Manager{arch: arch}
}

// Architecture returns the architecture the manager decides for.
func (m *Manager) Architecture() manifest.Architecture { return m.arch }

// DetermineStrategy picks the upgrade path from current to the manifest's
// version. It fails only when the manifest lacks a required package
// reference.
func (m *Manager) DetermineStrategy(current version.Version, forceFull bool, mf *manifest.ServiceManifest) (Strategy, error) {
	if mf == nil {
		return nil, fmt.Errorf("determine strategy: %w", manifest.ErrMissingPackage)
	}
	if !forceFull && mf.Version.LessOrEqual(current) {
		return NoUpgrade{Target: current}, nil
	}

	if !forceFull {
		if p, ok := mf.PatchFor(m.arch); ok {
			if base, ok := p.BaseVersion(); ok && base.Equal(current) {
				return PatchUpgrade{Patch: p, Target: mf.Version, DownloadType: DownloadPatch}, nil
			}
		}
	}

	pkg, err := mf.PackageFor(m.arch)
	if err != nil {
		return nil, fmt.Errorf("determine strategy for %s: %w", m.arch, err)
	}
	return FullUpgrade{
		URL:          pkg.URL(),
		Hash:         pkg.Hash(),
		Signature:    pkg.Signature(),
		Size:         pkg.Size(),
		Target:       mf.Version,
		DownloadType: DownloadFull,
	}, nil
}

// ArtifactPath returns where the artifact for s is cached: a directory per
// target base version holding full.tar.gz or patch.tar.gz. NoUpgrade has no
// artifact and yields "".
func ArtifactPath(cacheDir string, s Strategy) string {
	switch st := s.(type) {
	case FullUpgrade:
		return filepath.Join(cacheDir, st.Target.Base().String(), "full"+archiveExt(st.URL))
	case PatchUpgrade:
		return filepath.Join(cacheDir, st.Target.Base().String(), "patch"+archiveExt(st.Patch.URL()))
	}
	return ""
}

func archiveExt(url string) string {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if len(url) >= len(ext) && url[len(url)-len(ext):] == ext {
			return ext
		}
	}
	return ".tar.gz"
}
