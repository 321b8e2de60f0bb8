package download

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/s3"
)

// ObjectDownloader is the part of *s3.Client the S3 supplier needs.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, key, destPath string) (*s3.DownloadResult, error)
}

// S3Supplier fetches s3://bucket/key URLs.
type S3Supplier struct {
	client ObjectDownloader
	retry  RetryConfig
	logger logrus.FieldLogger
}

// NewS3Supplier creates an S3Supplier around client.
func NewS3Supplier(client ObjectDownloader, cfg RetryConfig, logger logrus.FieldLogger) *S3Supplier {
	return &S3Supplier{client: client, retry: cfg, logger: logger}
}

// Fetch downloads the object named by rawURL to dest.
func (s *S3Supplier) Fetch(ctx context.Context, rawURL, dest string) (*Result, error) {
	bucket, key, err := s3.ParseURL(rawURL)
	if err != nil {
		return nil, patch.Wrap(patch.KindDownload, "download", err)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
	})

	var res *s3.DownloadResult
	attempts, err := retry(ctx, s.retry, logger, func() error {
		r, err := s.client.Download(ctx, bucket, key, dest)
		if err != nil {
			if permanentS3(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if permanentS3(err) {
			return nil, patch.Wrap(patch.KindDownload, "download", err)
		}
		return nil, patch.Wrap(patch.KindNetwork, "download", err)
	}
	return &Result{Path: res.LocalPath, Checksum: res.Checksum, Size: res.SizeBytes, Attempts: attempts}, nil
}

func permanentS3(err error) bool {
	return errors.Is(err, s3.ErrInvalidKey) || errors.Is(err, s3.ErrTooLarge) || errors.Is(err, s3.ErrNotFound)
}
