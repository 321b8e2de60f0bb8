package extraction

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	mode     int64
	linkname string
}

func writeTarGz(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{Name: e.name, Mode: mode, Typeflag: e.typeflag, Linkname: e.linkname}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func quietExtractor() *Extractor {
	ex := New()
	ex.SuppressLogs()
	return ex
}

func TestExtract_TarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "patch.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "app/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/config.yml", body: "port: 80\n", typeflag: tar.TypeReg},
		{name: "docker-compose.yml", body: "services: {}\n", typeflag: tar.TypeReg},
		{name: "app/current", typeflag: tar.TypeSymlink, linkname: "config.yml"},
	})

	dest := filepath.Join(dir, "staging")
	res, err := quietExtractor().Extract(context.Background(), archive, dest, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Format != FormatTarGz {
		t.Errorf("format = %s", res.Format)
	}
	if res.FilesExtracted != 4 {
		t.Errorf("files = %d, want 4", res.FilesExtracted)
	}
	got, err := os.ReadFile(filepath.Join(dest, "app", "config.yml"))
	if err != nil || string(got) != "port: 80\n" {
		t.Errorf("config.yml = %q, %v", got, err)
	}
	if err := quietExtractor().VerifyPayload(dest, []string{"docker-compose.yml", "app/config.yml"}); err != nil {
		t.Errorf("VerifyPayload: %v", err)
	}
	if err := quietExtractor().VerifyPayload(dest, []string{"missing.txt"}); err == nil {
		t.Error("VerifyPayload should report missing entries")
	}
}

func TestExtract_Zip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "full.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("docker/docker-compose.yml")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("services: {}\n"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.StripComponents = 1
	dest := filepath.Join(dir, "out")
	if _, err := quietExtractor().Extract(context.Background(), archive, dest, opts); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "docker-compose.yml")); err != nil {
		t.Errorf("stripped entry missing: %v", err)
	}
}

func TestExtract_RejectsHostileEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"traversal", []tarEntry{{name: "../escape.txt", body: "x", typeflag: tar.TypeReg}}},
		{"symlink escape", []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"}}},
		{"absolute symlink", []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}}},
		{"setuid", []tarEntry{{name: "bin/su", body: "x", typeflag: tar.TypeReg, mode: 0o4755}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "bad.tar.gz")
			writeTarGz(t, archive, append([]tarEntry{{name: "ok.txt", body: "ok", typeflag: tar.TypeReg}}, tt.entries...))

			dest := filepath.Join(dir, "staging")
			if _, err := quietExtractor().Extract(context.Background(), archive, dest, DefaultOptions()); err == nil {
				t.Fatal("expected extraction to fail")
			}
			if _, err := os.Stat(dest); !os.IsNotExist(err) {
				t.Errorf("partial destination left behind: %v", err)
			}
		})
	}
}

func TestExtract_Limits(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "big.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "a", body: "0123456789", typeflag: tar.TypeReg},
		{name: "b", body: "0123456789", typeflag: tar.TypeReg},
	})

	opts := DefaultOptions()
	opts.MaxTotalSize = 15
	if _, err := quietExtractor().Extract(context.Background(), archive, filepath.Join(dir, "s1"), opts); err == nil {
		t.Error("expected total size limit error")
	}

	opts = DefaultOptions()
	opts.MaxFiles = 1
	if _, err := quietExtractor().Extract(context.Background(), archive, filepath.Join(dir, "s2"), opts); err == nil {
		t.Error("expected file count limit error")
	}
}

func TestExtract_DestinationMustNotExist(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.gz")
	writeTarGz(t, archive, []tarEntry{{name: "a", body: "x", typeflag: tar.TypeReg}})

	_, err := quietExtractor().Extract(context.Background(), archive, dir, DefaultOptions())
	if !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("err = %v, want ErrDestinationExists", err)
	}
	if _, err := os.Stat(archive); err != nil {
		t.Errorf("existing destination was modified: %v", err)
	}
}

func TestExtract_Cancelled(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.gz")
	writeTarGz(t, archive, []tarEntry{{name: "a", body: "x", typeflag: tar.TypeReg}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := quietExtractor().Extract(ctx, archive, filepath.Join(dir, "s"), DefaultOptions()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
