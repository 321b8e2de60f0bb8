package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
	"github.com/nuwax-ai/nuwax-cli-sub001/perf"
)

// HTTPConfig configures HTTPSupplier.
type HTTPConfig struct {
	// Timeout bounds one whole attempt, including the body transfer
	Timeout time.Duration `mapstructure:"timeout"`

	// UserAgent is sent with every request
	UserAgent string `mapstructure:"user_agent"`

	// ProgressInterval is how often transfer progress is logged
	ProgressInterval time.Duration `mapstructure:"progress_interval"`

	Retry RetryConfig `mapstructure:"retry"`
}

// DefaultHTTPConfig returns the default HTTP download settings.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:          30 * time.Minute,
		UserAgent:        "nuwax-upgrade",
		ProgressInterval: 5 * time.Second,
		Retry:            DefaultRetryConfig(),
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPSupplier downloads artifacts over HTTP(S) with retries.
type HTTPSupplier struct {
	cfg    HTTPConfig
	client *http.Client
	logger logrus.FieldLogger
}

// NewHTTPSupplier creates an HTTPSupplier using its own http.Client.
func NewHTTPSupplier(cfg HTTPConfig, logger logrus.FieldLogger) *HTTPSupplier {
	return &HTTPSupplier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Fetch downloads rawURL to dest. Client errors (4xx) are not retried.
func (s *HTTPSupplier) Fetch(ctx context.Context, rawURL, dest string) (*Result, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"url":  rawURL,
		"dest": dest,
	})
	logger.Info("starting HTTP download")

	var res *Result
	attempts, err := retry(ctx, s.cfg.Retry, logger, func() error {
		r, err := s.fetchOnce(ctx, rawURL, dest, logger)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
			return nil, patch.Wrap(patch.KindDownload, "download", err)
		}
		return nil, patch.Wrap(patch.KindNetwork, "download", fmt.Errorf("after %d attempts: %w", attempts, err))
	}
	res.Attempts = attempts

	logger.WithFields(logrus.Fields{
		"size":     humanize.IBytes(uint64(res.Size)),
		"checksum": res.Checksum,
		"attempts": attempts,
	}).Info("download completed")
	return res, nil
}

func (s *HTTPSupplier) fetchOnce(ctx context.Context, rawURL, dest string, logger logrus.FieldLogger) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(se)
		}
		return nil, se
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	pr := perf.NewProgressReader(resp.Body, logger, "http download progress", total, s.cfg.ProgressInterval)

	checksum, n, err := writeAtomic(dest, pr, total)
	if err != nil {
		return nil, err
	}
	return &Result{Path: dest, Checksum: checksum, Size: n}, nil
}
