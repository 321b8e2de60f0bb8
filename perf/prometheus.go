package perf

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the upgrade metrics, registered on their own registry so
// that a run can be exported without the process-wide default collectors.
type Collectors struct {
	registry *prometheus.Registry

	attempts      *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	downloaded    prometheus.Counter
	lastSuccess   prometheus.Gauge
}

// NewCollectors creates and registers the upgrade collectors.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upgrade_attempts_total",
				Help: "Upgrade attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upgrade_phase_duration_seconds",
				Help:    "Duration of upgrade phases",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
			[]string{"phase"},
		),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upgrade_downloaded_bytes_total",
			Help: "Bytes of upgrade artifacts downloaded",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upgrade_last_success_timestamp_seconds",
			Help: "Unix time of the last successful upgrade",
		}),
	}
	c.registry.MustRegister(c.attempts, c.phaseDuration, c.downloaded, c.lastSuccess)
	return c
}

// Registry returns the registry holding the collectors.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// ObservePhase records one phase duration.
func (c *Collectors) ObservePhase(p Phase, d time.Duration) {
	c.phaseDuration.WithLabelValues(string(p)).Observe(d.Seconds())
}

// RecordAttempt counts a finished attempt. Outcome is one of completed,
// rolled_back or failed.
func (c *Collectors) RecordAttempt(strategy, outcome string, at time.Time) {
	c.attempts.WithLabelValues(strategy, outcome).Inc()
	if outcome == "completed" {
		c.lastSuccess.Set(float64(at.Unix()))
	}
}

// Observe copies a finished attempt's metrics into the collectors.
func (c *Collectors) Observe(m *PipelineMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range Phases {
		if d, ok := m.phases[p]; ok {
			c.ObservePhase(p, d)
		}
	}
	if m.BytesDownloaded > 0 {
		c.downloaded.Add(float64(m.BytesDownloaded))
	}
}

// WriteTextfile writes the collectors in the text exposition format for
// the node exporter textfile collector. The file is replaced atomically.
func (c *Collectors) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
