package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Meta is written as a comment header above the statements of a diff file.
type Meta struct {
	Generator   string
	GeneratedAt time.Time
}

// Render returns the diff file contents: "--" metadata lines followed by one
// statement per line.
func (d Diff) Render(meta Meta) string {
	var b strings.Builder
	if meta.Generator != "" {
		fmt.Fprintf(&b, "-- generator: %s\n", meta.Generator)
	}
	fmt.Fprintf(&b, "-- from: %s\n", d.FromVersion)
	fmt.Fprintf(&b, "-- to: %s\n", d.ToVersion)
	if !meta.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "-- generated-at: %s\n", meta.GeneratedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "-- description: %s\n", d.Description)
	if d.Empty() {
		b.WriteString("-- no schema changes\n")
		return b.String()
	}
	b.WriteString("\n")
	b.WriteString(d.SQL)
	return b.String()
}

// WriteFile writes the rendered diff to path through a temporary file in
// the same directory.
func WriteFile(path string, d Diff, meta Meta) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create diff directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(d.Render(meta)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write diff file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync diff file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close diff file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set diff file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename diff file: %w", err)
	}
	return nil
}
