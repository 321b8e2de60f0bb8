// Package s3 downloads upgrade artifacts from S3 and S3-compatible object
// stores.
//
// This package wraps the AWS SDK v2 to provide streaming downloads with key
// validation, checksum computation and size limits.
//
// # Features
//
//   - Streaming downloads (no buffering entire file in memory)
//   - Automatic SHA256 checksum computation during download
//   - Size limit enforcement
//   - S3 key validation (path traversal prevention)
//   - Atomic file writes (temp file + rename)
//
// # Authentication
//
// The client uses AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
//
// Without AWS_ACCESS_KEY_ID the client signs nothing and reads public
// buckets anonymously.
//
// # Usage Example
//
//	client, err := s3.New(ctx, s3.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetLogger(logger)
//
//	bucket, key, err := s3.ParseURL("s3://nuwax-releases/1.2.0/full.tar.gz")
//	result, err := client.Download(ctx, bucket, key, "/var/cache/nuwax/1.2.0/full.tar.gz")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Downloaded %d bytes, checksum: %s\n", result.SizeBytes, result.Checksum)
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/nuwax-ai/nuwax-cli-sub001/perf"
)

var (
	// ErrInvalidKey is returned for keys that fail validation.
	ErrInvalidKey = errors.New("invalid S3 key")

	// ErrTooLarge is returned when an object exceeds Config.MaxSize.
	ErrTooLarge = errors.New("object too large")

	// ErrNotFound is returned when the bucket or key does not exist.
	ErrNotFound = errors.New("object not found")
)

// API is the subset of the S3 client used for downloads.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client wraps the S3 client with helper methods for artifact downloads.
type Client struct {
	api          API
	logger       *logrus.Logger
	progressFunc perf.ProgressFunc
	maxSize      int64
	interval     time.Duration
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string `mapstructure:"region"`

	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// UsePathStyle addresses buckets as path segments, as MinIO expects.
	UsePathStyle bool `mapstructure:"use_path_style"`

	// MaxSize is the largest object accepted, in bytes.
	MaxSize int64 `mapstructure:"max_size"`

	// ProgressInterval is how often download progress is logged.
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		MaxSize:          10 * 1024 * 1024 * 1024,
		ProgressInterval: 5 * time.Second,
	}
}

// New creates a new S3 client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// If no credentials provided in env, use anonymous
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithAPI(api, cfg), nil
}

// NewWithAPI creates a client around an existing S3 API implementation.
func NewWithAPI(api API, cfg Config) *Client {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultConfig().ProgressInterval
	}
	return &Client{
		api:      api,
		logger:   logrus.New(),
		maxSize:  cfg.MaxSize,
		interval: cfg.ProgressInterval,
	}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SetProgressFunc sets a callback function for progress updates during downloads.
func (c *Client) SetProgressFunc(fn perf.ProgressFunc) {
	c.progressFunc = fn
}

// SuppressLogs disables all log output from the S3 client.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// DownloadResult contains the result of a download operation.
type DownloadResult struct {
	// LocalPath is the path to the downloaded file
	LocalPath string

	// Checksum is the SHA256 hash of the downloaded file
	Checksum string

	// SizeBytes is the size of the downloaded file in bytes
	SizeBytes int64
}

// ParseURL splits s3://bucket/key into its bucket and key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse S3 URL: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %s", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("S3 URL has no bucket: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if err := validateS3Key(key); err != nil {
		return "", "", err
	}
	return u.Host, key, nil
}

// Download fetches an object to destPath with streaming.
//
// The object is written to destPath.tmp while its SHA256 is computed, then
// renamed into place. Objects larger than the configured limit are refused
// before any data is transferred.
func (c *Client) Download(ctx context.Context, bucket, key, destPath string) (*DownloadResult, error) {
	if err := validateS3Key(key); err != nil {
		return nil, err
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"dest":   destPath,
	})

	logger.Info("starting S3 download")

	headResp, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object metadata: %w", classify(err))
	}

	var totalSize int64
	if headResp.ContentLength != nil {
		totalSize = *headResp.ContentLength
		if totalSize > c.maxSize {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, totalSize, c.maxSize)
		}
		logger.WithField("content_length", humanize.IBytes(uint64(totalSize))).Info("s3 object metadata fetched")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		// Clean up temp file if we didn't move it
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	getResp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", classify(err))
	}
	defer getResp.Body.Close()

	hash := sha256.New()
	multiWriter := io.MultiWriter(tmpFile, hash)

	pr := perf.NewProgressReader(getResp.Body, logger, "s3 download progress", totalSize, c.interval)
	pr.SetProgressFunc(c.progressFunc)

	// One byte past the limit detects objects that grew after HEAD.
	written, err := io.Copy(multiWriter, io.LimitReader(pr, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	if written > c.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxSize)
	}
	if totalSize > 0 && written != totalSize {
		return nil, fmt.Errorf("short download: got %d of %d bytes", written, totalSize)
	}

	if c.progressFunc != nil {
		c.progressFunc(written, totalSize, 0)
	}

	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("failed to move file to destination: %w", err)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	logger.WithFields(logrus.Fields{
		"size":     humanize.IBytes(uint64(written)),
		"checksum": checksum,
	}).Info("download completed")

	return &DownloadResult{
		LocalPath: destPath,
		Checksum:  checksum,
		SizeBytes: written,
	}, nil
}

// classify maps SDK not-found errors onto ErrNotFound, keeping the cause.
func classify(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// validateS3Key validates an S3 key for security.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}

	if len(key) > 1024 {
		return fmt.Errorf("%w: %d characters (max 1024)", ErrInvalidKey, len(key))
	}

	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: key contains path traversal: %s", ErrInvalidKey, key)
		}
	}

	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: key should not start with /: %s", ErrInvalidKey, key)
	}

	if strings.Contains(key, "\x00") {
		return fmt.Errorf("%w: key contains null byte", ErrInvalidKey)
	}

	return nil
}
