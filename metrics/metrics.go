// Package metrics records fetch activity as Prometheus metrics. A run is a
// short-lived batch, so metrics are kept in a private registry and exported
// once at the end of the run as a node-exporter textfile rather than served.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one run.
type Metrics struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	inFlight    prometheus.Gauge
	attemptTime prometheus.Histogram
	fileSize    prometheus.Histogram
	lastRun     prometheus.Gauge
	failedTasks prometheus.Gauge
	runDuration prometheus.Gauge
}

// New creates a Metrics instance whose metric names are prefixed with
// namespace (e.g. "implayerfetch").
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	m.fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Finished fetches by status.",
		},
		[]string{"status"},
	)

	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight",
		Help:      "Fetches currently running.",
	})

	m.attemptTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Duration of individual fetch attempts.",
		Buckets:   prometheus.DefBuckets,
	})

	// 1KB .. 1GB
	m.fileSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "file_size_bytes",
		Help:      "Size of files written.",
		Buckets:   prometheus.ExponentialBuckets(1024, 10, 7),
	})

	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run finished.",
	})

	m.failedTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_failed_tasks",
		Help:      "Number of tasks that failed in the last run.",
	})

	m.runDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_duration_seconds",
		Help:      "Wall time of the last run.",
	})

	m.registry.MustRegister(
		m.attempts,
		m.fetches,
		m.inFlight,
		m.attemptTime,
		m.fileSize,
		m.lastRun,
		m.failedTasks,
		m.runDuration,
	)

	return m
}

// Registry returns the registry holding the run's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FetchStarted marks a fetch as in flight. Pair with FetchFinished.
func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// FetchFinished marks a fetch as done with the given status ("success",
// "failed" or "skipped").
func (m *Metrics) FetchFinished(status string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.fetches.WithLabelValues(status).Inc()
}

// Attempt records a single attempt. outcome is "ok" for a successful attempt
// and the failure kind otherwise.
func (m *Metrics) Attempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptTime.Observe(d.Seconds())
}

// FileWritten records the size of a committed file.
func (m *Metrics) FileWritten(size int64) {
	if m == nil {
		return
	}
	m.fileSize.Observe(float64(size))
}

// RunFinished records the end of a run.
func (m *Metrics) RunFinished(failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.lastRun.SetToCurrentTime()
	m.failedTasks.Set(float64(failed))
	m.runDuration.Set(d.Seconds())
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
// The file is written atomically, so it can be picked up by the
// node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	err := prometheus.WriteToTextfile(path, m.registry)
	if err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
