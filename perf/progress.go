package perf

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ProgressFunc is called periodically during a transfer with progress updates
type ProgressFunc func(done, total int64, speed float64)

// ProgressReader wraps an io.Reader and logs periodic transfer progress.
// It is not safe for concurrent use.
type ProgressReader struct {
	r            io.Reader
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
	message      string
	total        int64
	read         int64
	started      time.Time
	lastLog      time.Time
	interval     time.Duration
}

// NewProgressReader logs message with progress fields at most once per
// interval. total may be zero when unknown.
func NewProgressReader(r io.Reader, logger logrus.FieldLogger, message string, total int64, interval time.Duration) *ProgressReader {
	return &ProgressReader{r: r, logger: logger, message: message, total: total, started: time.Now(), interval: interval}
}

// SetProgressFunc sets a callback invoked alongside each progress log.
func (p *ProgressReader) SetProgressFunc(fn ProgressFunc) {
	p.progressFunc = fn
}

// BytesRead returns the bytes read so far.
func (p *ProgressReader) BytesRead() int64 { return p.read }

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		now := time.Now()
		if p.lastLog.IsZero() || now.Sub(p.lastLog) >= p.interval {
			p.log(now)
			p.lastLog = now
		}
	}
	return n, err
}

func (p *ProgressReader) log(now time.Time) {
	percent := float64(0)
	if p.total > 0 {
		percent = (float64(p.read) / float64(p.total)) * 100
	}
	elapsed := now.Sub(p.started).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(p.read) / elapsed
	}
	eta := "unknown"
	if p.total > 0 && rate > 0 {
		remaining := float64(p.total-p.read) / rate
		eta = time.Duration(remaining * float64(time.Second)).Truncate(time.Second).String()
	}
	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{
			"downloaded": humanize.IBytes(uint64(p.read)),
			"total":      humanize.IBytes(uint64(max(p.total, 0))),
			"percent":    fmt.Sprintf("%.1f", percent),
			"avg_rate":   humanize.IBytes(uint64(rate)) + "/s",
			"eta":        eta,
		}).Info(p.message)
	}

	if p.progressFunc != nil {
		p.progressFunc(p.read, p.total, rate)
	}
}
