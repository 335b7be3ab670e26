package job

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/eunmann/logscan/internal/metrics"
	"github.com/eunmann/logscan/pkg/aggregate"
	"github.com/eunmann/logscan/pkg/logging"
	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

// run drives one job until it completes, fails, pauses, or ctx is cancelled.
// Cancellation (delete or shutdown) returns without writing anything.
func (r *Registry) run(ctx context.Context, id string, src source.Source) {
	metrics.JobStarted()
	defer metrics.JobStopped()

	log := logctx.FromContext(ctx)
	start := time.Now()

	files, err := src.Enumerate(ctx)
	if err != nil {
		r.fail(ctx, id, err)
		return
	}

	done, err := r.store.ProcessedSet(ctx, id)
	if err != nil {
		r.fail(ctx, id, err)
		return
	}
	processed := 0
	for _, f := range files {
		if _, ok := done[f]; ok {
			processed++
		}
	}
	total := len(files)

	if err := r.store.SetProgress(ctx, id, processed, total); err != nil {
		r.fail(ctx, id, err)
		return
	}
	log.Info().
		Int("total_files", total).
		Int("already_processed", processed).
		Msg("files enumerated")

	tracker := logging.NewProgressTracker(int64(total))
	agg := r.agg.WithBatchHook(r.afterBatch)

	for _, fileID := range files {
		if ctx.Err() != nil {
			return
		}
		if r.stopIfPaused(ctx, id, processed, total) {
			return
		}
		if _, ok := done[fileID]; ok {
			tracker.RecordSkip()
			metrics.FileSkipped()
			continue
		}

		fileStart := time.Now()
		stats, err := r.ingestFile(logctx.WithFile(ctx, fileID), agg, src, id, fileID, processed+1)
		if err != nil {
			metrics.FileFailed()
			r.fail(ctx, id, err)
			return
		}
		processed++

		elapsed := time.Since(fileStart)
		tracker.RecordFile(elapsed, int64(stats.Records))
		outcome := metrics.OutcomeCommitted
		switch {
		case stats.Missing:
			outcome = metrics.OutcomeMissing
		case stats.Truncated:
			outcome = metrics.OutcomeTruncated
		}
		metrics.ObserveFile(outcome, elapsed, metrics.FileLines{
			Records:           stats.Records,
			Blank:             stats.Blank,
			Malformed:         stats.Malformed,
			InvalidUTF8:       stats.InvalidUTF8,
			InvalidTimestamps: stats.InvalidTimestamps,
			Batches:           stats.Batches,
		})

		ev := log.Info()
		switch {
		case stats.Missing:
			ev = log.Warn().Bool("missing", true)
		case stats.Truncated:
			ev = log.Warn().Bool("truncated", true)
		}
		ev.Str("file", fileID).
			Int("records", stats.Records).
			Int("malformed", stats.Malformed).
			Int("invalid_timestamps", stats.InvalidTimestamps).
			Int("missing_class", stats.MissingClass).
			Int("files_processed", processed).
			Dur("elapsed", elapsed).
			Msg("file committed")
		tracker.MaybeLog(log)
	}

	if ctx.Err() != nil {
		return
	}
	if r.stopIfPaused(ctx, id, processed, total) {
		return
	}
	if err := r.store.UpdateJob(ctx, id, store.StatusCompleted, processed, total); err != nil {
		r.fail(ctx, id, err)
		return
	}
	r.setStatus(id, store.StatusCompleted, "")
	metrics.JobTransition(string(store.StatusCompleted))

	tracker.Log(log, "job completed")
	log.Info().
		Int("files_processed", processed).
		Int("total_files", total).
		Dur("elapsed", time.Since(start)).
		Msg("job completed")
}

// ingestFile commits one file in its own transaction, redoing the whole file
// when its stream fails with a transient read error.
func (r *Registry) ingestFile(ctx context.Context, agg *aggregate.Aggregator, src source.Source, id, fileID string, filesProcessed int) (aggregate.FileStats, error) {
	var stats aggregate.FileStats
	attempt := 0
	err := r.cfg.FileRetry.Do(ctx, "ingest "+fileID, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.FileRetried()
		}
		var err error
		stats, err = r.ingestOnce(ctx, agg, src, id, fileID, filesProcessed)
		return err
	})
	return stats, err
}

// ingestOnce makes one attempt. Only read errors from the line stream are
// retryable; open and store errors are permanent here because the source
// already retried the open.
func (r *Registry) ingestOnce(ctx context.Context, agg *aggregate.Aggregator, src source.Source, id, fileID string, filesProcessed int) (aggregate.FileStats, error) {
	lines, err := src.Open(ctx, fileID)
	if err != nil {
		return aggregate.FileStats{}, retry.Permanent(err)
	}
	defer lines.Close()

	ftx, err := r.store.BeginFile(ctx, id, fileID)
	if err != nil {
		return aggregate.FileStats{}, retry.Permanent(err)
	}
	defer ftx.Rollback()

	stats, err := agg.Ingest(ctx, ftx, fileID, lines, filesProcessed)
	if err != nil {
		if readErr := lines.Err(); readErr != nil && errors.Is(err, readErr) {
			return stats, err
		}
		return stats, retry.Permanent(err)
	}
	if err := ftx.Commit(ctx); err != nil {
		return stats, retry.Permanent(err)
	}
	return stats, nil
}

// afterBatch is the cooperative yield point after every flushed batch.
func (r *Registry) afterBatch(ctx context.Context, n int) error {
	runtime.Gosched()
	if r.batchHook != nil {
		if err := r.batchHook(ctx, n); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// stopIfPaused honors a pause request at a file boundary and persists PAUSED
// with the counters of the last committed file.
func (r *Registry) stopIfPaused(ctx context.Context, id string, processed, total int) bool {
	r.mu.Lock()
	e, ok := r.jobs[id]
	pause := ok && e.pause
	if pause {
		e.pause = false
	}
	r.mu.Unlock()
	if !pause {
		return false
	}

	log := logctx.FromContext(ctx)
	if err := r.store.UpdateJob(ctx, id, store.StatusPaused, processed, total); err != nil {
		log.Error().Err(err).Msg("failed to persist pause")
		return true
	}
	log.Info().
		Int("files_processed", processed).
		Int("total_files", total).
		Msg("job paused")
	return true
}

// fail moves the job to ERROR, keeping its last committed counters. Errors
// caused by cancellation or a deleted job are not failures.
func (r *Registry) fail(ctx context.Context, id string, err error) {
	if ctx.Err() != nil || errors.Is(err, store.ErrJobNotFound) {
		return
	}
	log := logctx.FromContext(ctx)
	log.Error().Err(err).Msg("job failed")

	if serr := r.store.SetStatus(ctx, id, store.StatusError); serr != nil {
		log.Error().Err(serr).Msg("failed to persist job error")
	}
	r.setStatus(id, store.StatusError, err.Error())
	metrics.JobTransition(string(store.StatusError))
}

func (r *Registry) setStatus(id string, status store.Status, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok {
		e.status = status
		e.err = msg
		e.pause = false
	}
}
