package patch

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies upgrade failures.
type Kind int

const (
	KindIO Kind = iota + 1
	KindNetwork
	KindDownload
	KindHashMismatch
	KindSignatureVerificationFailed
	KindVerification
	KindUnsupportedOperation
	KindMissingPrerequisite
	KindAtomicOperationFailed
	KindRollbackFailed
)

var kindNames = map[Kind]string{
	KindIO:                          "io",
	KindNetwork:                     "network",
	KindDownload:                    "download",
	KindHashMismatch:                "hash_mismatch",
	KindSignatureVerificationFailed: "signature_verification_failed",
	KindVerification:                "verification",
	KindUnsupportedOperation:        "unsupported_operation",
	KindMissingPrerequisite:         "missing_prerequisite",
	KindAtomicOperationFailed:       "atomic_operation_failed",
	KindRollbackFailed:              "rollback_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure surfaced by the executor and its collaborators.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "preflight" or "replace".
	Op string
	// Paths lists the affected relative paths, if known.
	Paths []string
	// BackupDir is set when a backup exists that an operator may need to
	// restore by hand.
	BackupDir string
	Err       error
}

// Errorf builds an *Error wrapping a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.BackupDir != "" {
		b.WriteString(" (backup at ")
		b.WriteString(e.BackupDir)
		b.WriteString(")")
	}
	if len(e.Paths) > 0 {
		b.WriteString(" [affected: ")
		b.WriteString(strings.Join(e.Paths, ", "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRecoverable reports whether retrying the whole attempt may succeed.
func (e *Error) IsRecoverable() bool {
	switch e.Kind {
	case KindIO, KindNetwork, KindDownload, KindAtomicOperationFailed:
		return true
	}
	return false
}

// RequiresRollback reports whether the failure happened after the managed
// root was mutated.
func (e *Error) RequiresRollback() bool {
	return e.Kind == KindAtomicOperationFailed || e.Kind == KindRollbackFailed
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRecoverable reports whether err is a recoverable *Error.
func IsRecoverable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsRecoverable()
}

// RequiresRollback reports whether err is an *Error raised mid-mutation.
func RequiresRollback(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.RequiresRollback()
}
