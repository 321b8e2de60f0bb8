package nuwax

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// installKeyNamespace keeps install keys stable across releases. Changing it
// orphans every lock and attempt row recorded under the old keys.
const installKeyNamespace = "nuwax-upgrade-v1"

// DeriveInstallKey deterministically derives the key that identifies one
// installation of the stack: the managed root plus the compose project name.
//
// The key scopes upgrade locks and attempt history in the local store, so two
// commands run against the same installation always contend for the same lock.
//
// # Example
//
//	k1 := DeriveInstallKey("/opt/nuwax/docker", "nuwax")
//	k2 := DeriveInstallKey("/opt/nuwax/docker/", "nuwax")
//	// k1 == k2 (paths are cleaned)
//
// The returned key is lowercase hex with an "inst_" prefix.
func DeriveInstallKey(root, project string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	h := sha256.Sum256([]byte(installKeyNamespace + ":" + abs + ":" + project))
	return "inst_" + hex.EncodeToString(h[:16])
}

// NewAttemptID returns a new time-ordered upgrade attempt ID.
func NewAttemptID() string {
	return "att_" + ulid.Make().String()
}

// NewBackupID returns a new time-ordered ID for a backup or staging directory.
// ULIDs sort lexically by creation time, so leftover directories list in the
// order they were created.
func NewBackupID() string {
	return ulid.Make().String()
}
