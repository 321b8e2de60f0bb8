// Package perf provides timing and metrics for the upgrade pipeline.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Phase names a step of an upgrade attempt.
type Phase string

const (
	PhaseStrategy Phase = "strategy"
	PhaseDownload Phase = "download"
	PhaseVerify   Phase = "verify"
	PhaseApply    Phase = "apply"
	PhaseDiff     Phase = "diff"
	PhaseMigrate  Phase = "migrate"
)

// Phases lists the phases in pipeline order.
var Phases = []Phase{PhaseStrategy, PhaseDownload, PhaseVerify, PhaseApply, PhaseDiff, PhaseMigrate}

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// PipelineMetrics tracks timing for one upgrade attempt.
type PipelineMetrics struct {
	mu sync.Mutex

	phases        map[Phase]time.Duration
	TotalDuration time.Duration

	BytesDownloaded  int64
	DownloadAttempts int
	FilesTouched     int
	Statements       int
}

// NewPipelineMetrics creates a new metrics tracker.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{phases: make(map[Phase]time.Duration)}
}

// RecordPhase adds d to the phase total.
func (m *PipelineMetrics) RecordPhase(p Phase, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[p] += d
}

// Phase returns the time spent in p.
func (m *PipelineMetrics) Phase(p Phase) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[p]
}

// RecordDownload records a finished download and the tries it took.
func (m *PipelineMetrics) RecordDownload(bytes int64, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesDownloaded += bytes
	m.DownloadAttempts += attempts
}

// RecordApply records how many paths an apply touched.
func (m *PipelineMetrics) RecordApply(files int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesTouched += files
}

// RecordMigration records how many statements the migration executed.
func (m *PipelineMetrics) RecordMigration(statements int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statements += statements
}

// SetTotal sets the wall clock duration of the attempt.
func (m *PipelineMetrics) SetTotal(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDuration = d
}

// Summary returns a formatted summary of the metrics.
func (m *PipelineMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var accounted time.Duration
	for _, d := range m.phases {
		accounted += d
	}
	var percent float64
	if m.TotalDuration > 0 {
		percent = float64(accounted) / float64(m.TotalDuration) * 100
	}

	return fmt.Sprintf(`
=== Upgrade Performance Metrics ===
Total Duration:        %v
Accounted:             %v (%.1f%% of total)

Phase Durations:
  Strategy:            %v
  Download:            %v (%s, %d attempts)
  Verify:              %v
  Apply:               %v (%d paths)
  Schema Diff:         %v
  Migrate:             %v (%d statements)
`,
		m.TotalDuration,
		accounted, percent,
		m.phases[PhaseStrategy],
		m.phases[PhaseDownload], humanize.IBytes(uint64(max(m.BytesDownloaded, 0))), m.DownloadAttempts,
		m.phases[PhaseVerify],
		m.phases[PhaseApply], m.FilesTouched,
		m.phases[PhaseDiff],
		m.phases[PhaseMigrate], m.Statements,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *PipelineMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *PipelineMetrics {
	m, _ := ctx.Value(contextKey{}).(*PipelineMetrics)
	return m
}
