// Package manifest parses service release manifests.
//
// A manifest announces the newest release of the application stack together
// with the artifacts needed to install it: a full package that is always
// present, optional per-architecture overrides of that package and an
// optional per-architecture incremental patch.
//
// # Format
//
//	{
//	  "version": "1.0.1",
//	  "release_notes": "...",
//	  "release_date": "2026-01-02T00:00:00Z",
//	  "packages": {"full": {"url": "...", "hash": "...", "signature": "...", "size": 1024}},
//	  "platforms": {"x86_64": {"url": "...", "hash": "...", "signature": "...", "size": 1024}},
//	  "patch": {
//	    "x86_64": {
//	      "url": "...", "hash": "...", "signature": "...",
//	      "base_version": "1.0.0",
//	      "operations": {
//	        "replace": {"files": ["app/config.yml"], "directories": ["frontend"]},
//	        "delete":  {"files": ["legacy.sh"], "directories": []}
//	      },
//	      "notes": "..."
//	    }
//	  }
//	}
//
// Parsed values are immutable: every accessor returns a copy.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/immutable"
	"gopkg.in/yaml.v3"

	"github.com/nuwax-ai/nuwax-cli-sub001/version"
)

var (
	// ErrMissingPackage is returned when the mandatory full package reference
	// is absent or has no URL.
	ErrMissingPackage = errors.New("manifest has no full package reference")

	// ErrInvalidPath is returned when a patch operation names a path that is
	// absolute or escapes the managed root.
	ErrInvalidPath = errors.New("invalid patch path")
)

// PackageRef points at a downloadable artifact.
type PackageRef struct {
	url       string
	hash      string
	signature string
	size      int64
}

// NewPackageRef builds a PackageRef. Used by tests and by callers assembling
// a manifest programmatically.
func NewPackageRef(url, hash, signature string, size int64) PackageRef {
	return PackageRef{url: url, hash: hash, signature: signature, size: size}
}

func (p PackageRef) URL() string       { return p.url }
func (p PackageRef) Hash() string      { return p.hash }
func (p PackageRef) Signature() string { return p.signature }
func (p PackageRef) Size() int64       { return p.size }

// IsZero reports whether no URL is set.
func (p PackageRef) IsZero() bool { return p.url == "" }

// FileOpSet is a set of relative file and directory paths.
type FileOpSet struct {
	files       []string
	directories []string
}

// NewFileOpSet builds a FileOpSet, cleaning, deduplicating and sorting paths.
func NewFileOpSet(files, directories []string) (FileOpSet, error) {
	f, err := normalizePaths(files)
	if err != nil {
		return FileOpSet{}, err
	}
	d, err := normalizePaths(directories)
	if err != nil {
		return FileOpSet{}, err
	}
	return FileOpSet{files: f, directories: d}, nil
}

func (s FileOpSet) Files() []string       { return append([]string(nil), s.files...) }
func (s FileOpSet) Directories() []string { return append([]string(nil), s.directories...) }
func (s FileOpSet) Len() int              { return len(s.files) + len(s.directories) }

// Operations lists the replace and delete sets of a patch.
type Operations struct {
	Replace FileOpSet
	Delete  FileOpSet
}

// PatchRef points at an incremental patch archive and describes the file
// operations it performs.
type PatchRef struct {
	url         string
	hash        string
	signature   string
	baseVersion *version.Version
	operations  Operations
	notes       string
}

// NewPatchRef builds a PatchRef. A nil base means the patch declares no base
// version and can never be applied incrementally.
func NewPatchRef(url, hash, signature string, base *version.Version, ops Operations, notes string) PatchRef {
	var b *version.Version
	if base != nil {
		c := *base
		b = &c
	}
	return PatchRef{url: url, hash: hash, signature: signature, baseVersion: b, operations: ops, notes: notes}
}

func (p PatchRef) URL() string            { return p.url }
func (p PatchRef) Hash() string           { return p.hash }
func (p PatchRef) Signature() string      { return p.signature }
func (p PatchRef) Notes() string          { return p.notes }
func (p PatchRef) Operations() Operations { return p.operations }

// BaseVersion returns the exact version the patch applies on top of.
func (p PatchRef) BaseVersion() (version.Version, bool) {
	if p.baseVersion == nil {
		return version.Version{}, false
	}
	return *p.baseVersion, true
}

// ServiceManifest is a parsed release manifest.
type ServiceManifest struct {
	Version      version.Version
	ReleaseNotes string
	ReleaseDate  time.Time

	full      PackageRef
	platforms *immutable.Map[string, PackageRef]
	patches   *immutable.Map[string, PatchRef]
}

// FullPackage returns the architecture independent full package.
func (m *ServiceManifest) FullPackage() PackageRef { return m.full }

// Platform returns the architecture specific package override, if any.
func (m *ServiceManifest) Platform(arch Architecture) (PackageRef, bool) {
	if m.platforms == nil {
		return PackageRef{}, false
	}
	return m.platforms.Get(string(arch))
}

// PatchFor returns the patch for an architecture, if any.
func (m *ServiceManifest) PatchFor(arch Architecture) (PatchRef, bool) {
	if m.patches == nil {
		return PatchRef{}, false
	}
	return m.patches.Get(string(arch))
}

// PackageFor returns the full package to install on arch, preferring the
// platform override over the generic package.
func (m *ServiceManifest) PackageFor(arch Architecture) (PackageRef, error) {
	if p, ok := m.Platform(arch); ok && !p.IsZero() {
		return p, nil
	}
	if m.full.IsZero() {
		return PackageRef{}, ErrMissingPackage
	}
	return m.full, nil
}

// Builder assembles a ServiceManifest without going through JSON.
type Builder struct {
	m         ServiceManifest
	platforms *immutable.MapBuilder[string, PackageRef]
	patches   *immutable.MapBuilder[string, PatchRef]
}

// NewBuilder starts a manifest for version v with the given full package.
func NewBuilder(v version.Version, full PackageRef) *Builder {
	return &Builder{
		m:         ServiceManifest{Version: v, full: full},
		platforms: immutable.NewMapBuilder[string, PackageRef](nil),
		patches:   immutable.NewMapBuilder[string, PatchRef](nil),
	}
}

// WithPlatform adds an architecture specific package.
func (b *Builder) WithPlatform(arch Architecture, p PackageRef) *Builder {
	b.platforms.Set(string(arch), p)
	return b
}

// WithPatch adds an architecture specific patch.
func (b *Builder) WithPatch(arch Architecture, p PatchRef) *Builder {
	b.patches.Set(string(arch), p)
	return b
}

// WithNotes sets release notes and date.
func (b *Builder) WithNotes(notes string, date time.Time) *Builder {
	b.m.ReleaseNotes = notes
	b.m.ReleaseDate = date
	return b
}

// Build returns the manifest. The builder must not be reused.
func (b *Builder) Build() *ServiceManifest {
	m := b.m
	m.platforms = b.platforms.Map()
	m.patches = b.patches.Map()
	return &m
}

type rawPackage struct {
	URL       string `json:"url" yaml:"url"`
	Hash      string `json:"hash" yaml:"hash"`
	Signature string `json:"signature" yaml:"signature"`
	Size      int64  `json:"size" yaml:"size"`
}

type rawOpSet struct {
	Files       []string `json:"files" yaml:"files"`
	Directories []string `json:"directories" yaml:"directories"`
}

type rawPatch struct {
	URL         string `json:"url" yaml:"url"`
	Hash        string `json:"hash" yaml:"hash"`
	Signature   string `json:"signature" yaml:"signature"`
	BaseVersion string `json:"base_version" yaml:"base_version"`
	Operations  struct {
		Replace rawOpSet `json:"replace" yaml:"replace"`
		Delete  rawOpSet `json:"delete" yaml:"delete"`
	} `json:"operations" yaml:"operations"`
	Notes string `json:"notes" yaml:"notes"`
}

type rawManifest struct {
	Version      string `json:"version" yaml:"version"`
	ReleaseNotes string `json:"release_notes" yaml:"release_notes"`
	ReleaseDate  string `json:"release_date" yaml:"release_date"`
	Packages     struct {
		Full *rawPackage `json:"full" yaml:"full"`
	} `json:"packages" yaml:"packages"`
	Platforms map[string]rawPackage `json:"platforms" yaml:"platforms"`
	Patch     map[string]rawPatch   `json:"patch" yaml:"patch"`
}

// Parse decodes a JSON manifest.
func Parse(data []byte) (*ServiceManifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return raw.build()
}

// ParseYAML decodes a YAML manifest, used for manifests supplied on disk.
func ParseYAML(data []byte) (*ServiceManifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return raw.build()
}

func (raw *rawManifest) build() (*ServiceManifest, error) {
	v, err := version.Parse(raw.Version)
	if err != nil {
		return nil, fmt.Errorf("manifest version: %w", err)
	}
	if raw.Packages.Full == nil || raw.Packages.Full.URL == "" {
		return nil, ErrMissingPackage
	}
	full := raw.Packages.Full.ref()

	b := NewBuilder(v, full)
	if raw.ReleaseDate != "" {
		// Release dates are informational; accept the two layouts release
		// tooling emits and leave the zero time otherwise.
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, raw.ReleaseDate); err == nil {
				b.m.ReleaseDate = t
				break
			}
		}
	}
	b.m.ReleaseNotes = raw.ReleaseNotes

	for _, key := range sortedKeys(raw.Platforms) {
		arch, err := ParseArchitecture(key)
		if err != nil {
			return nil, fmt.Errorf("platforms: %w", err)
		}
		p := raw.Platforms[key]
		if p.URL == "" {
			return nil, fmt.Errorf("platforms.%s: %w", key, ErrMissingPackage)
		}
		b.WithPlatform(arch, p.ref())
	}

	for _, key := range sortedKeys(raw.Patch) {
		arch, err := ParseArchitecture(key)
		if err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
		p, err := raw.Patch[key].ref()
		if err != nil {
			return nil, fmt.Errorf("patch.%s: %w", key, err)
		}
		b.WithPatch(arch, p)
	}
	return b.Build(), nil
}

func (p rawPackage) ref() PackageRef {
	return NewPackageRef(p.URL, p.Hash, p.Signature, p.Size)
}

func (p rawPatch) ref() (PatchRef, error) {
	if p.URL == "" {
		return PatchRef{}, fmt.Errorf("patch has no url")
	}
	replace, err := NewFileOpSet(p.Operations.Replace.Files, p.Operations.Replace.Directories)
	if err != nil {
		return PatchRef{}, fmt.Errorf("replace: %w", err)
	}
	del, err := NewFileOpSet(p.Operations.Delete.Files, p.Operations.Delete.Directories)
	if err != nil {
		return PatchRef{}, fmt.Errorf("delete: %w", err)
	}
	var base *version.Version
	if p.BaseVersion != "" {
		v, err := version.Parse(p.BaseVersion)
		if err != nil {
			return PatchRef{}, fmt.Errorf("base_version: %w", err)
		}
		base = &v
	}
	return NewPatchRef(p.URL, p.Hash, p.Signature, base, Operations{Replace: replace, Delete: del}, p.Notes), nil
}

func normalizePaths(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		clean, err := CleanRelPath(p)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	sort.Strings(out)
	return out, nil
}

// CleanRelPath validates a slash separated path relative to the managed root
// and returns its cleaned form.
func CleanRelPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the managed root", ErrInvalidPath, p)
	}
	return clean, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
