// Package logging configures structured logging for logscan using zerolog.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/rs/zerolog"
)

// Options selects log level and output format.
type Options struct {
	// Debug lowers the level to Debug.
	Debug bool
	// Human switches from JSON to a console writer.
	Human bool
	// Out defaults to os.Stderr.
	Out io.Writer
}

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// New builds a logger from opts without touching global state.
func New(opts Options) zerolog.Logger {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Human {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Init configures the process logger and makes it the context fallback.
func Init(opts Options) zerolog.Logger {
	l := New(opts)
	SetLogger(l)
	return l
}

// L returns the process logger.
func L() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithPhase returns a logger with the phase field set.
func WithPhase(phase string) zerolog.Logger {
	return L().With().Str("phase", phase).Logger()
}

// SetLogger overrides the process logger (useful for testing).
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
	logctx.SetDefaultLogger(l)
}
