package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nuwax-ai/nuwax-cli-sub001/manifest"
)

// OpKind is one of the four path operations a plan can contain.
type OpKind int

const (
	OpReplaceFile OpKind = iota + 1
	OpReplaceDir
	OpDeleteFile
	OpDeleteDir
)

func (k OpKind) String() string {
	switch k {
	case OpReplaceFile:
		return "replace-file"
	case OpReplaceDir:
		return "replace-dir"
	case OpDeleteFile:
		return "delete-file"
	case OpDeleteDir:
		return "delete-dir"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// IsDelete reports whether the operation removes its target.
func (k OpKind) IsDelete() bool { return k == OpDeleteFile || k == OpDeleteDir }

// Operation is a single path operation relative to the managed root.
type Operation struct {
	Kind OpKind
	// Rel is a cleaned slash separated path relative to the root
	Rel string
}

// Plan is a resolved set of operations against a managed root. Deletes run
// before replaces; within each group operations run in path order.
type Plan struct {
	// Root is the absolute managed root
	Root string
	// PayloadDir is the absolute directory holding replacement content; it
	// mirrors the layout of Root
	PayloadDir string
	Ops        []Operation
}

// NewPlan resolves a manifest patch description against root and payloadDir.
func NewPlan(root, payloadDir string, ops manifest.Operations) (*Plan, error) {
	p, err := newPlan(root, payloadDir)
	if err != nil {
		return nil, err
	}
	for _, f := range ops.Delete.Files() {
		p.Ops = append(p.Ops, Operation{Kind: OpDeleteFile, Rel: f})
	}
	for _, d := range ops.Delete.Directories() {
		p.Ops = append(p.Ops, Operation{Kind: OpDeleteDir, Rel: d})
	}
	for _, f := range ops.Replace.Files() {
		p.Ops = append(p.Ops, Operation{Kind: OpReplaceFile, Rel: f})
	}
	for _, d := range ops.Replace.Directories() {
		p.Ops = append(p.Ops, Operation{Kind: OpReplaceDir, Rel: d})
	}
	p.sortOps()
	return p, nil
}

// FullInstallPlan replaces every top-level entry of payloadDir under root.
// Entries of root that the payload does not contain stay untouched, which
// keeps data directories and local overrides in place.
func FullInstallPlan(root, payloadDir string) (*Plan, error) {
	p, err := newPlan(root, payloadDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.PayloadDir)
	if err != nil {
		return nil, Wrap(KindIO, "plan", fmt.Errorf("failed to read payload: %w", err))
	}
	for _, e := range entries {
		kind := OpReplaceFile
		if e.IsDir() {
			kind = OpReplaceDir
		}
		p.Ops = append(p.Ops, Operation{Kind: kind, Rel: e.Name()})
	}
	if len(p.Ops) == 0 {
		return nil, Errorf(KindMissingPrerequisite, "plan", "payload %s is empty", payloadDir)
	}
	p.sortOps()
	return p, nil
}

func newPlan(root, payloadDir string) (*Plan, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, Wrap(KindIO, "plan", err)
	}
	absPayload, err := filepath.Abs(payloadDir)
	if err != nil {
		return nil, Wrap(KindIO, "plan", err)
	}
	if absPayload == absRoot || strings.HasPrefix(absRoot, absPayload+string(os.PathSeparator)) {
		return nil, Errorf(KindUnsupportedOperation, "plan", "payload %s contains the managed root", absPayload)
	}
	return &Plan{Root: absRoot, PayloadDir: absPayload}, nil
}

func (p *Plan) sortOps() {
	sort.SliceStable(p.Ops, func(i, j int) bool {
		di, dj := p.Ops[i].Kind.IsDelete(), p.Ops[j].Kind.IsDelete()
		if di != dj {
			return di
		}
		return p.Ops[i].Rel < p.Ops[j].Rel
	})
}

// Target returns the absolute path of rel under the managed root.
func (p *Plan) Target(rel string) string {
	return filepath.Join(p.Root, filepath.FromSlash(rel))
}

// Source returns the absolute path of rel inside the payload.
func (p *Plan) Source(rel string) string {
	return filepath.Join(p.PayloadDir, filepath.FromSlash(rel))
}

// Touched returns every distinct relative path the plan affects, in order.
func (p *Plan) Touched() []string {
	seen := make(map[string]struct{}, len(p.Ops))
	out := make([]string, 0, len(p.Ops))
	for _, op := range p.Ops {
		if _, ok := seen[op.Rel]; ok {
			continue
		}
		seen[op.Rel] = struct{}{}
		out = append(out, op.Rel)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of replace and delete operations.
func (p *Plan) Counts() (replaces, deletes int) {
	for _, op := range p.Ops {
		if op.Kind.IsDelete() {
			deletes++
		} else {
			replaces++
		}
	}
	return replaces, deletes
}
