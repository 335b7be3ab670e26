package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProgressInterval is how often running jobs emit a progress event.
const ProgressInterval = 5 * time.Second

// ProgressTracker tracks file progress of one job run with an ETA based on
// a moving average of recent file durations. It is safe for concurrent use.
type ProgressTracker struct {
	mu        sync.Mutex
	total     int64
	completed int64
	skipped   int64
	records   int64
	startTime time.Time
	lastLog   time.Time

	recent    []time.Duration
	maxRecent int
}

// NewProgressTracker creates a tracker for total files.
func NewProgressTracker(total int64) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		total:     total,
		startTime: now,
		lastLog:   now,
		recent:    make([]time.Duration, 0, 10),
		maxRecent: 10,
	}
}

// RecordFile records a committed file, its duration, and its record count.
func (pt *ProgressTracker) RecordFile(d time.Duration, records int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.completed++
	pt.records += records
	if len(pt.recent) >= pt.maxRecent {
		pt.recent = pt.recent[1:]
	}
	pt.recent = append(pt.recent, d)
}

// RecordSkip records a file found in the ledger.
func (pt *ProgressTracker) RecordSkip() {
	pt.mu.Lock()
	pt.skipped++
	pt.mu.Unlock()
}

// Progress returns completed, skipped, and total file counts.
func (pt *ProgressTracker) Progress() (completed, skipped, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.completed, pt.skipped, pt.total
}

// ProgressPct returns the progress percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.total == 0 {
		return 100.0
	}
	return float64(pt.completed+pt.skipped) * 100.0 / float64(pt.total)
}

// Remaining returns the number of files not yet completed or skipped.
func (pt *ProgressTracker) Remaining() int64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.total - pt.completed - pt.skipped
}

// ETA estimates the time left from the average of recent file durations.
func (pt *ProgressTracker) ETA() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	remaining := pt.total - pt.completed - pt.skipped
	if pt.completed == 0 || remaining <= 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range pt.recent {
		sum += d
	}
	avg := sum / time.Duration(len(pt.recent))
	return avg * time.Duration(remaining)
}

// MaybeLog emits a progress event if ProgressInterval has passed since the
// last one. It reports whether an event was written.
func (pt *ProgressTracker) MaybeLog(log zerolog.Logger) bool {
	pt.mu.Lock()
	due := time.Since(pt.lastLog) >= ProgressInterval
	if due {
		pt.lastLog = time.Now()
	}
	pt.mu.Unlock()

	if due {
		pt.Log(log, "ingestion progress")
	}
	return due
}

// Log emits a progress event unconditionally.
func (pt *ProgressTracker) Log(log zerolog.Logger, msg string) {
	pt.mu.Lock()
	completed, skipped, total, records := pt.completed, pt.skipped, pt.total, pt.records
	elapsed := time.Since(pt.startTime)
	pt.mu.Unlock()

	e := log.Info().
		Str("event", "job_progress").
		Int64("files_completed", completed).
		Int64("files_skipped", skipped).
		Int64("files_total", total).
		Int64("records", records).
		Dur("elapsed", elapsed)
	if total > 0 {
		e = e.Float64("progress_pct", float64(completed+skipped)*100.0/float64(total))
	}
	if eta := pt.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
	}
	e.Msg(msg)
}
