// Package download fetches upgrade artifacts into the local cache.
//
// A Supplier streams one URL to a destination path, computing the SHA256 as
// the bytes arrive. The file appears at the destination only once it is
// complete: partial data lives in <dest>.tmp and is removed on failure.
//
// Failures are returned as *patch.Error so the orchestrator can classify
// them: KindNetwork for transport problems that may clear up on retry, and
// KindDownload for artifacts the source refuses to serve (missing objects,
// 4xx responses, oversized payloads).
//
// # Usage Example
//
//	suppliers := download.NewMultiSupplier(logger)
//	suppliers.Register("https", download.NewHTTPSupplier(download.DefaultHTTPConfig(), logger))
//	suppliers.Register("s3", download.NewS3Supplier(s3Client, download.DefaultRetryConfig(), logger))
//
//	res, err := suppliers.Fetch(ctx, ref.URL(), "/var/cache/nuwax/1.2.0/full.tar.gz")
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/verify"
)

// Result describes a completed download.
type Result struct {
	// Path is the local file holding the artifact
	Path string

	// Checksum is the lowercase hex SHA256 of the file
	Checksum string

	// Size is the file size in bytes
	Size int64

	// Attempts is how many tries the download took (0 for a cache hit)
	Attempts int
}

// Supplier fetches a URL to a local path.
type Supplier interface {
	Fetch(ctx context.Context, rawURL, dest string) (*Result, error)
}

// RetryConfig controls the exponential backoff between download attempts.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries uint64 `mapstructure:"max_retries"`

	// InitialInterval is the wait before the first retry
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// MaxInterval caps the wait between retries
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// DefaultRetryConfig returns five retries starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	// The retry count bounds the loop, not elapsed time.
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// retry runs op until it succeeds, returns a backoff.Permanent error, or the
// retries run out. It returns the number of times op ran.
func retry(ctx context.Context, cfg RetryConfig, logger logrus.FieldLogger, op func() error) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return op()
	}, cfg.backOff(ctx), func(err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempts,
			"wait":    wait.String(),
		}).Warn("download failed, retrying")
	})
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, ctxErr
	}
	return attempts, err
}

// Cached reports whether path already holds an artifact with the expected
// SHA256 and, when size is positive, the expected size. A missing file is not
// an error.
func Cached(path, expectedHash string, size int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}
	if size > 0 && info.Size() != size {
		return false, nil
	}
	if expectedHash == "" {
		return false, nil
	}
	actual, err := verify.FileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == verify.NormalizeHash(expectedHash), nil
}

// writeAtomic streams r into dest via dest.tmp, returning the checksum and
// byte count. want, when positive, is the exact size expected.
func writeAtomic(dest string, r io.Reader, want int64) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmpPath := dest + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmp.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if err != nil {
		return "", n, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if want > 0 && n != want {
		return "", n, fmt.Errorf("short download: got %d of %d bytes", n, want)
	}
	if err := tmp.Sync(); err != nil {
		return "", n, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", n, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", n, fmt.Errorf("failed to move file to destination: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// FileSupplier copies artifacts from the local filesystem, for packages
// carried onto hosts without network access. It accepts file:// URLs and
// bare paths.
type FileSupplier struct {
	logger logrus.FieldLogger
}

// NewFileSupplier creates a FileSupplier.
func NewFileSupplier(logger logrus.FieldLogger) *FileSupplier {
	return &FileSupplier{logger: logger}
}

// Fetch copies the file named by rawURL to dest.
func (s *FileSupplier) Fetch(ctx context.Context, rawURL, dest string) (*Result, error) {
	src := rawURL
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, patch.Wrap(patch.KindDownload, "download", fmt.Errorf("failed to parse URL: %w", err))
		}
		src = u.Path
	}
	if err := ctx.Err(); err != nil {
		return nil, patch.Wrap(patch.KindNetwork, "download", err)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, patch.Wrap(patch.KindDownload, "download", fmt.Errorf("failed to open %s: %w", src, err))
	}
	defer f.Close()

	checksum, n, err := writeAtomic(dest, f, 0)
	if err != nil {
		return nil, patch.Wrap(patch.KindIO, "download", err)
	}

	s.logger.WithFields(logrus.Fields{
		"src":  src,
		"dest": dest,
		"size": n,
	}).Info("copied local artifact")

	return &Result{Path: dest, Checksum: checksum, Size: n, Attempts: 1}, nil
}

// MultiSupplier routes each URL to the supplier registered for its scheme.
// URLs without a scheme go to the "file" supplier.
type MultiSupplier struct {
	mu        sync.RWMutex
	suppliers map[string]Supplier
	logger    logrus.FieldLogger
}

// NewMultiSupplier creates a router with a FileSupplier registered for the
// "file" scheme.
func NewMultiSupplier(logger logrus.FieldLogger) *MultiSupplier {
	m := &MultiSupplier{suppliers: make(map[string]Supplier), logger: logger}
	m.Register("file", NewFileSupplier(logger))
	return m
}

// Register sets the supplier for a URL scheme, replacing any previous one.
func (m *MultiSupplier) Register(scheme string, s Supplier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers[strings.ToLower(scheme)] = s
}

// Fetch dispatches to the supplier for rawURL's scheme.
func (m *MultiSupplier) Fetch(ctx context.Context, rawURL, dest string) (*Result, error) {
	scheme := "file"
	if i := strings.Index(rawURL, "://"); i > 0 {
		scheme = strings.ToLower(rawURL[:i])
	}
	m.mu.RLock()
	s, ok := m.suppliers[scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, patch.Errorf(patch.KindUnsupportedOperation, "download", "no supplier for scheme %q", scheme)
	}
	return s.Fetch(ctx, rawURL, dest)
}
