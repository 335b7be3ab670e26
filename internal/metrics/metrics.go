// Package metrics holds the Prometheus collectors for ingestion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logscan"

var (
	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files finished by outcome (committed, truncated, missing, skipped, failed)",
		},
		[]string{"outcome"},
	)

	fileRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_retries_total",
			Help:      "Whole-file redo attempts after a transient failure",
		},
	)

	linesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Lines read by disposition",
		},
		[]string{"disposition"},
	)

	batchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches flushed into file transactions",
		},
	)

	fileDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_duration_seconds",
			Help:      "Time to ingest and commit one file",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		},
	)

	jobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by target status",
		},
		[]string{"status"},
	)

	runningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Job goroutines currently ingesting",
		},
	)
)

// File outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeTruncated = "truncated"
	OutcomeMissing   = "missing"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// FileLines carries the per-file line counts reported to ObserveFile.
type FileLines struct {
	Records           int
	Blank             int
	Malformed         int
	InvalidUTF8       int
	InvalidTimestamps int
	Batches           int
}

// ObserveFile records one committed file.
func ObserveFile(outcome string, d time.Duration, l FileLines) {
	filesTotal.WithLabelValues(outcome).Inc()
	fileDurationSeconds.Observe(d.Seconds())
	batchesTotal.Add(float64(l.Batches))

	linesTotal.WithLabelValues("record").Add(float64(l.Records))
	linesTotal.WithLabelValues("blank").Add(float64(l.Blank))
	linesTotal.WithLabelValues("malformed").Add(float64(l.Malformed))
	linesTotal.WithLabelValues("invalid_utf8").Add(float64(l.InvalidUTF8))
	linesTotal.WithLabelValues("invalid_timestamp").Add(float64(l.InvalidTimestamps))
}

// FileSkipped records a file found in the ledger.
func FileSkipped() { filesTotal.WithLabelValues(OutcomeSkipped).Inc() }

// FileFailed records a file that exhausted its retries.
func FileFailed() { filesTotal.WithLabelValues(OutcomeFailed).Inc() }

// FileRetried records one redo of a file.
func FileRetried() { fileRetriesTotal.Inc() }

// JobTransition records a job entering status.
func JobTransition(status string) { jobTransitionsTotal.WithLabelValues(status).Inc() }

// JobStarted and JobStopped bracket a job goroutine.
func JobStarted() { runningJobs.Inc() }

// JobStopped pairs with JobStarted.
func JobStopped() { runningJobs.Dec() }

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler { return promhttp.Handler() }
