// Package logctx carries a zerolog logger through context.Context.
//
// The job controller attaches a logger enriched with job_id when it starts a
// job's goroutine, and the file loop adds the file being ingested, so every
// log line emitted below those points (retries, parse warnings, batch
// flushes) carries the identifiers without threading a logger argument.
//
//	ctx = logctx.WithJob(ctx, jobID)
//	ctx = logctx.WithFile(ctx, fileID)
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("file committed")
package logctx

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// loggerKey is the private key type for storing loggers in context.
type loggerKey struct{}

var (
	mu            sync.RWMutex
	defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// DefaultLogger returns the logger used when a context carries none.
func DefaultLogger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the fallback logger. Called once from the CLI
// after flags are parsed.
func SetDefaultLogger(l zerolog.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context logger, or the default logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// WithStr returns a context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithJob tags the context logger with the job id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return WithStr(ctx, "job_id", jobID)
}

// WithFile tags the context logger with the file identifier being ingested.
func WithFile(ctx context.Context, fileID string) context.Context {
	return WithStr(ctx, "file", fileID)
}
