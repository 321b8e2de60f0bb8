// Package version implements the version type shared by every component of
// the upgrade pipeline.
//
// A Version has three mandatory numeric components, an optional pre-release
// tag and an optional numeric build number. The accepted spellings are:
//
//	1.2.3        plain release
//	v1.2.3       leading "v" is ignored
//	1.2.3.4      fourth segment is the build number
//	1.2.3+4      semver-style numeric build metadata
//	1.2.3-rc.1   pre-release
//	1.2.3-rc.1+7 pre-release with build number
//
// Versions are totally ordered (see Compare) and are equal only when every
// component matches, build number included. Base strips the pre-release tag
// and build number; it keys download directories and decides whether a patch
// applies to the running installation.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is a parsed release version. The zero value is 0.0.0.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
	Build uint64
	Pre   string
}

// ParseError reports a malformed version string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

// New returns the release version major.minor.patch.
func New(major, minor, patch uint64) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// Parse parses a version string.
func Parse(s string) (Version, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return Version{}, &ParseError{Input: s, Reason: "empty"}
	}
	in = strings.TrimPrefix(in, "v")

	var v Version
	core := in
	if i := strings.IndexByte(core, '+'); i >= 0 {
		b, err := strconv.ParseUint(core[i+1:], 10, 64)
		if err != nil {
			return Version{}, &ParseError{Input: s, Reason: "build metadata must be numeric"}
		}
		v.Build = b
		core = core[:i]
	}
	if i := strings.IndexByte(core, '-'); i >= 0 {
		v.Pre = core[i+1:]
		core = core[:i]
		if err := validatePre(v.Pre); err != nil {
			return Version{}, &ParseError{Input: s, Reason: err.Error()}
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return Version{}, &ParseError{Input: s, Reason: "expected major.minor.patch[.build]"}
	}
	if len(parts) == 4 && v.Build != 0 {
		return Version{}, &ParseError{Input: s, Reason: "build number given twice"}
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return Version{}, &ParseError{Input: s, Reason: "empty component"}
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, &ParseError{Input: s, Reason: fmt.Sprintf("component %q is not a number", p)}
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	if len(nums) == 4 {
		v.Build = nums[3]
	}
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func validatePre(pre string) error {
	if pre == "" {
		return fmt.Errorf("empty pre-release")
	}
	for _, id := range strings.Split(pre, ".") {
		if id == "" {
			return fmt.Errorf("empty pre-release identifier")
		}
		numeric := true
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-') {
				return fmt.Errorf("invalid character %q in pre-release", r)
			}
			if r < '0' || r > '9' {
				numeric = false
			}
		}
		if numeric && len(id) > 1 && id[0] == '0' {
			return fmt.Errorf("numeric pre-release identifier %q has a leading zero", id)
		}
	}
	return nil
}

// String renders the canonical form. The build number is written as the
// fourth dotted segment for releases and as "+N" after a pre-release.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		b.WriteString("-")
		b.WriteString(v.Pre)
		if v.Build != 0 {
			fmt.Fprintf(&b, "+%d", v.Build)
		}
		return b.String()
	}
	if v.Build != 0 {
		fmt.Fprintf(&b, ".%d", v.Build)
	}
	return b.String()
}

// Base returns the version with pre-release tag and build number stripped.
func (v Version) Base() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}

// IsZero reports whether v is 0.0.0 without metadata.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or +1. Major, minor, patch and pre-release follow
// semver precedence; the build number breaks ties.
func Compare(a, b Version) int {
	if c := semver.Compare(a.semver(), b.semver()); c != 0 {
		return c
	}
	return cmpUint(a.Build, b.Build)
}

// semver renders v without its build number in the form accepted by
// golang.org/x/mod/semver.
func (v Version) semver() string {
	s := fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}

// Compare is the method form of Compare.
func (v Version) Compare(o Version) int { return Compare(v, o) }

// Less reports v < o.
func (v Version) Less(o Version) bool { return Compare(v, o) < 0 }

// LessOrEqual reports v <= o.
func (v Version) LessOrEqual(o Version) bool { return Compare(v, o) <= 0 }

// Equal reports whether every component matches.
func (v Version) Equal(o Version) bool { return v == o }

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
