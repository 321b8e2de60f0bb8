// Package extraction provides secure extraction of upgrade archives.
//
// Full packages and patches ship as tar, gzip compressed tar or zip archives.
// They are downloaded from a release server and may be corrupted or
// malicious, so every entry is validated before it is written.
//
// # Security Features
//
//   - Path traversal prevention (rejects ".." and absolute paths)
//   - Symlink validation (targets must stay within the extraction root)
//   - Resource limits (file size, total size, file count, timeout)
//   - Dangerous permissions rejection (setuid/setgid bits)
//   - Cleanup on failure: a failed extraction removes the destination
//
// # Usage Example
//
//	extractor := extraction.New()
//	extractor.SetLogger(logger)
//
//	result, err := extractor.Extract(ctx,
//		"/var/cache/nuwax/1.0.1/patch.tar.gz",
//		"/var/cache/nuwax/1.0.1/staging",
//		extraction.DefaultOptions(),
//	)
//	if err != nil {
//		return err
//	}
//	log.Printf("Extracted %d files (%s)", result.FilesExtracted, humanize.Bytes(uint64(result.BytesExtracted)))
//
// # Resource Limits
//
// Default limits (via DefaultOptions):
//   - MaxFileSize: 2GB per file
//   - MaxTotalSize: 20GB total extraction
//   - MaxFiles: 200,000 files
//   - Timeout: 30 minutes
//
// # Error Handling
//
// Security violations return descriptive errors that should be treated as
// non-retryable. The destination directory must not exist beforehand; on any
// error it is removed again so no partial state is left behind.
package extraction

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDestinationExists is returned when the destination directory already
// exists. Extraction only writes into a fresh staging directory.
var ErrDestinationExists = errors.New("extraction destination already exists")

// Format is an archive container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatTarGz
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatZip:
		return "zip"
	}
	return "unknown"
}

// DetectFormat sniffs the archive format from its magic bytes, falling back
// to the file extension.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return FormatTarGz, nil
	case len(head) >= 4 && string(head[:4]) == "PK\x03\x04":
		return FormatZip, nil
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}

	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	}
	return FormatUnknown, fmt.Errorf("unrecognized archive format: %s", path)
}

// ProgressFunc is called periodically during extraction with progress updates
type ProgressFunc func(filesExtracted int, bytesExtracted int64, currentFile string)

// Extractor handles secure archive extraction.
type Extractor struct {
	logger       *logrus.Logger
	progressFunc ProgressFunc
}

// New creates a new extractor.
func New() *Extractor {
	return &Extractor{
		logger: logrus.New(),
	}
}

// SetProgressFunc sets a callback function for progress updates during extraction.
func (e *Extractor) SetProgressFunc(fn ProgressFunc) {
	e.progressFunc = fn
}

// SetLogger sets a custom logger.
func (e *Extractor) SetLogger(logger *logrus.Logger) {
	e.logger = logger
}

// SuppressLogs disables all log output from the extractor.
func (e *Extractor) SuppressLogs() {
	e.logger.SetOutput(io.Discard)
}

// ExtractionOptions configures extraction behavior.
type ExtractionOptions struct {
	// MaxFileSize is the maximum size of a single file
	MaxFileSize int64

	// MaxTotalSize is the maximum total extracted size
	MaxTotalSize int64

	// MaxFiles is the maximum number of entries
	MaxFiles int

	// Timeout is the maximum extraction time
	Timeout time.Duration

	// StripComponents strips N leading components from entry names
	StripComponents int
}

// DefaultOptions returns default extraction options.
func DefaultOptions() ExtractionOptions {
	return ExtractionOptions{
		MaxFileSize:     2 * 1024 * 1024 * 1024,  // 2GB
		MaxTotalSize:    20 * 1024 * 1024 * 1024, // 20GB
		MaxFiles:        200000,
		Timeout:         30 * time.Minute,
		StripComponents: 0,
	}
}

// ExtractionResult contains the result of an extraction operation.
type ExtractionResult struct {
	Format         Format
	FilesExtracted int
	BytesExtracted int64
	Duration       time.Duration
}

// entry is the format independent view of an archive member.
type entry struct {
	name     string
	mode     os.FileMode
	size     int64
	linkname string
	kind     entryKind
	open     func() (io.ReadCloser, error)
}

type entryKind int

const (
	entryDir entryKind = iota
	entryFile
	entrySymlink
	entryDevice
	entryOther
)

// Extract extracts archivePath into destDir with security checks. destDir
// must not exist; it is removed again if extraction fails.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string, opts ExtractionOptions) (result *ExtractionResult, err error) {
	startTime := time.Now()

	logger := e.logger.WithFields(logrus.Fields{
		"archive": archivePath,
		"dest":    destDir,
	})

	format, err := DetectFormat(archivePath)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("format", format)
	logger.Info("starting archive extraction")

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if _, statErr := os.Lstat(destDir); statErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, destDir)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(destDir); rmErr != nil {
				logger.WithError(rmErr).Warn("failed to remove partial extraction")
			}
		}
	}()

	var stats extractStats
	switch format {
	case FormatZip:
		err = e.extractZip(ctx, archivePath, destDir, opts, &stats, logger)
	default:
		err = e.extractTar(ctx, archivePath, format == FormatTarGz, destDir, opts, &stats, logger)
	}
	if err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	logger.WithFields(logrus.Fields{
		"files":    stats.files,
		"bytes":    stats.bytes,
		"duration": duration,
	}).Info("extraction completed")

	if e.progressFunc != nil {
		e.progressFunc(stats.files, stats.bytes, "")
	}

	return &ExtractionResult{
		Format:         format,
		FilesExtracted: stats.files,
		BytesExtracted: stats.bytes,
		Duration:       duration,
	}, nil
}

type extractStats struct {
	files int
	bytes int64
}

func (e *Extractor) extractTar(ctx context.Context, path string, gz bool, destDir string, opts ExtractionOptions, stats *extractStats, logger logrus.FieldLogger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	var r io.Reader = bufio.NewReaderSize(file, 1024*1024)
	if gz {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tarReader := tar.NewReader(r)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		ent := entry{
			name:     header.Name,
			mode:     header.FileInfo().Mode(),
			size:     header.Size,
			linkname: header.Linkname,
			open:     func() (io.ReadCloser, error) { return io.NopCloser(tarReader), nil },
		}
		switch header.Typeflag {
		case tar.TypeDir:
			ent.kind = entryDir
		case tar.TypeReg:
			ent.kind = entryFile
		case tar.TypeSymlink:
			ent.kind = entrySymlink
		case tar.TypeChar, tar.TypeBlock:
			ent.kind = entryDevice
		default:
			ent.kind = entryOther
		}
		if err := e.extractEntry(ctx, destDir, ent, opts, stats, logger); err != nil {
			return err
		}
	}
}

func (e *Extractor) extractZip(ctx context.Context, path, destDir string, opts ExtractionOptions, stats *extractStats, logger logrus.FieldLogger) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		f := f
		mode := f.Mode()
		ent := entry{
			name: f.Name,
			mode: mode,
			size: int64(f.UncompressedSize64),
			open: f.Open,
		}
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			ent.kind = entryDir
		case mode&os.ModeSymlink != 0:
			ent.kind = entrySymlink
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", f.Name, err)
			}
			target, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", f.Name, err)
			}
			ent.linkname = string(target)
		case mode&os.ModeDevice != 0:
			ent.kind = entryDevice
		case mode.IsRegular():
			ent.kind = entryFile
		default:
			ent.kind = entryOther
		}
		if err := e.extractEntry(ctx, destDir, ent, opts, stats, logger); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractEntry(ctx context.Context, destDir string, ent entry, opts ExtractionOptions, stats *extractStats, logger logrus.FieldLogger) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("extraction cancelled: %w", ctx.Err())
	default:
	}

	targetPath, err := e.sanitizePath(destDir, ent.name, opts.StripComponents)
	if err != nil {
		if errors.Is(err, errStripped) {
			return nil
		}
		return fmt.Errorf("security validation failed for %s: %w", ent.name, err)
	}

	if err := e.validateEntry(ent, opts); err != nil {
		return fmt.Errorf("security validation failed for %s: %w", ent.name, err)
	}

	if stats.files >= opts.MaxFiles {
		return fmt.Errorf("file count limit exceeded: %d", opts.MaxFiles)
	}
	if stats.bytes+ent.size > opts.MaxTotalSize {
		return fmt.Errorf("total size limit exceeded: %d bytes", opts.MaxTotalSize)
	}

	switch ent.kind {
	case entryDir:
		if err := os.MkdirAll(targetPath, ent.mode.Perm()|0700); err != nil {
			return fmt.Errorf("failed to extract directory %s: %w", ent.name, err)
		}

	case entryFile:
		size, err := e.extractFile(targetPath, ent, opts.MaxFileSize)
		if err != nil {
			return fmt.Errorf("failed to extract file %s: %w", ent.name, err)
		}
		stats.bytes += size

	case entrySymlink:
		if err := e.extractSymlink(destDir, targetPath, ent.linkname); err != nil {
			return fmt.Errorf("failed to extract symlink %s: %w", ent.name, err)
		}

	default:
		logger.WithField("path", ent.name).Warn("skipping unsupported entry type")
		return nil
	}

	stats.files++
	if e.progressFunc != nil && stats.files%100 == 0 {
		e.progressFunc(stats.files, stats.bytes, ent.name)
	}
	return nil
}

var errStripped = errors.New("entry removed by strip components")

// sanitizePath validates an entry name and joins it with baseDir.
func (e *Extractor) sanitizePath(baseDir, path string, stripComponents int) (string, error) {
	path = strings.ReplaceAll(path, "\\", "/")
	if stripComponents > 0 {
		parts := strings.Split(strings.TrimPrefix(path, "./"), "/")
		if len(parts) <= stripComponents {
			return "", errStripped
		}
		path = strings.Join(parts[stripComponents:], "/")
	}

	if strings.HasPrefix(path, "/") || filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal detected: %s", path)
		}
	}

	fullPath := filepath.Join(baseDir, cleanPath)
	if !within(baseDir, fullPath) {
		return "", fmt.Errorf("path escapes base directory: %s", path)
	}
	return fullPath, nil
}

// validateEntry performs security checks on an archive member.
func (e *Extractor) validateEntry(ent entry, opts ExtractionOptions) error {
	if ent.size > opts.MaxFileSize {
		return fmt.Errorf("file too large: %d bytes (max %d)", ent.size, opts.MaxFileSize)
	}
	if ent.mode&os.ModeSetuid != 0 {
		return fmt.Errorf("setuid bit not allowed")
	}
	if ent.mode&os.ModeSetgid != 0 {
		return fmt.Errorf("setgid bit not allowed")
	}
	if ent.kind == entryDevice {
		return fmt.Errorf("device files not allowed")
	}
	return nil
}

// extractFile extracts a regular file with buffered I/O.
func (e *Extractor) extractFile(path string, ent entry, maxSize int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	src, err := ent.open()
	if err != nil {
		return 0, fmt.Errorf("failed to open entry: %w", err)
	}
	defer src.Close()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, ent.mode.Perm())
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufferedWriter := bufio.NewWriterSize(file, 1024*1024)

	// Read one byte past the limit so an understated header size is caught.
	written, err := io.Copy(bufferedWriter, io.LimitReader(src, maxSize+1))
	if err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	if written > maxSize {
		return 0, fmt.Errorf("file too large: more than %d bytes", maxSize)
	}

	if err := bufferedWriter.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush file buffer: %w", err)
	}
	return written, nil
}

// extractSymlink creates a symlink whose target stays inside baseDir.
func (e *Extractor) extractSymlink(baseDir, path, target string) error {
	if err := validateSymlinkTarget(baseDir, path, target); err != nil {
		return fmt.Errorf("invalid symlink target: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	os.Remove(path)
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	return nil
}

// validateSymlinkTarget rejects absolute targets and relative targets that
// resolve outside baseDir. The payload is copied into the managed root, so
// any absolute link would point at host paths.
func validateSymlinkTarget(baseDir, linkPath, target string) error {
	if target == "" {
		return fmt.Errorf("empty symlink target: %s", linkPath)
	}
	if filepath.IsAbs(target) {
		return fmt.Errorf("absolute symlink target not allowed: %s -> %s", linkPath, target)
	}
	resolved := filepath.Join(filepath.Dir(linkPath), target)
	if !within(baseDir, resolved) {
		return fmt.Errorf("symlink target escapes base directory: %s -> %s", linkPath, target)
	}
	return nil
}

func within(baseDir, path string) bool {
	base := filepath.Clean(baseDir)
	clean := filepath.Clean(path)
	return clean == base || strings.HasPrefix(clean, base+string(os.PathSeparator))
}

// VerifyPayload checks that every path in required exists under dir and
// warns about setuid or setgid files in the payload.
func (e *Extractor) VerifyPayload(dir string, required []string) error {
	logger := e.logger.WithField("dir", dir)

	var missing []string
	for _, rel := range required {
		if _, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("payload is missing required entries: %s", strings.Join(missing, ", "))
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSetuid != 0 || info.Mode()&os.ModeSetgid != 0 {
			relPath, _ := filepath.Rel(dir, path)
			logger.WithField("path", relPath).Warn("setuid/setgid file found in payload")
		}
		return nil
	})
}
