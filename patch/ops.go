package patch

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PathOp implements one OpKind. Preflight must not mutate anything; Apply
// runs after the target has been moved into the backup, so the target path
// is always absent when it is called.
type PathOp interface {
	Preflight(p *Plan, rel string) error
	Apply(p *Plan, rel string, mk *dirMaker) error
}

var pathOps = map[OpKind]PathOp{
	OpReplaceFile: replaceOp{dir: false},
	OpReplaceDir:  replaceOp{dir: true},
	OpDeleteFile:  deleteOp{dir: false},
	OpDeleteDir:   deleteOp{dir: true},
}

type replaceOp struct {
	dir bool
}

func (o replaceOp) Preflight(p *Plan, rel string) error {
	src := p.Source(rel)
	info, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: KindMissingPrerequisite, Op: "preflight", Paths: []string{rel},
				Err: fmt.Errorf("replacement %s is missing from the payload", rel)}
		}
		return &Error{Kind: KindIO, Op: "preflight", Paths: []string{rel}, Err: err}
	}
	if o.dir && !info.IsDir() {
		return &Error{Kind: KindUnsupportedOperation, Op: "preflight", Paths: []string{rel},
			Err: fmt.Errorf("payload entry %s is not a directory", rel)}
	}
	if !o.dir && info.IsDir() {
		return &Error{Kind: KindUnsupportedOperation, Op: "preflight", Paths: []string{rel},
			Err: fmt.Errorf("payload entry %s is a directory", rel)}
	}
	return nil
}

func (o replaceOp) Apply(p *Plan, rel string, mk *dirMaker) error {
	dst := p.Target(rel)
	if err := mk.mkdirAll(filepath.Dir(dst)); err != nil {
		return err
	}
	if o.dir {
		return copyDir(p.Source(rel), dst)
	}
	return copyEntry(p.Source(rel), dst)
}

type deleteOp struct {
	dir bool
}

func (o deleteOp) Preflight(p *Plan, rel string) error {
	info, err := os.Lstat(p.Target(rel))
	if err != nil {
		if os.IsNotExist(err) {
			// Tolerated: the path is already gone.
			return nil
		}
		return &Error{Kind: KindIO, Op: "preflight", Paths: []string{rel}, Err: err}
	}
	if o.dir != info.IsDir() {
		what := "file"
		if o.dir {
			what = "directory"
		}
		return &Error{Kind: KindUnsupportedOperation, Op: "preflight", Paths: []string{rel},
			Err: fmt.Errorf("%s is not a %s", rel, what)}
	}
	return nil
}

// Apply is a no-op: the backup step already moved the target out of the
// root, which is the deletion.
func (deleteOp) Apply(p *Plan, rel string, mk *dirMaker) error {
	return nil
}

// dirMaker creates parent directories and remembers which ones it created
// so rollback can remove them again.
type dirMaker struct {
	created []string
}

func (m *dirMaker) mkdirAll(dir string) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return err
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0755); err != nil && !os.IsExist(err) {
			return err
		}
		m.created = append(m.created, missing[i])
	}
	return nil
}

// removeCreated removes created directories deepest first, skipping any that
// are not empty and any at or below a restored path.
func (m *dirMaker) removeCreated(restored []string) {
	for i := len(m.created) - 1; i >= 0; i-- {
		if underAny(m.created[i], restored) {
			continue
		}
		os.Remove(m.created[i])
	}
}

func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func copyEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}
	return copyFile(src, dst, info.Mode().Perm())
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		}
		return copyEntry(path, target)
	})
}
