package manifest

import (
	"fmt"
	"runtime"
	"strings"
)

// Architecture identifies a CPU architecture a release ships artifacts for.
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchAarch64 Architecture = "aarch64"
)

// Architectures lists every supported architecture.
var Architectures = []Architecture{ArchX86_64, ArchAarch64}

// ParseArchitecture normalizes manifest keys and Go architecture names.
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64", "x64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchAarch64, nil
	}
	return "", fmt.Errorf("unsupported architecture %q", s)
}

// CurrentArchitecture returns the architecture of the running binary.
func CurrentArchitecture() (Architecture, error) {
	return ParseArchitecture(runtime.GOARCH)
}

func (a Architecture) String() string { return string(a) }
