// Package aggregate turns the lines of one file into raw rows and summary
// deltas and flushes them in bounded batches into a file transaction.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/eunmann/logscan/pkg/record"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

// DefaultBatchSize is the number of records per flush.
const DefaultBatchSize = 500

// Config holds configuration for the aggregator.
type Config struct {
	// BatchSize is the number of records buffered before a flush.
	BatchSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize}
}

// Validate checks configuration values and returns an error for invalid settings.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("BatchSize must be at least 1, got %d", c.BatchSize)
	}
	return nil
}

// Tx receives the writes of one file. *store.FileTx implements it.
type Tx interface {
	InsertLogs(ctx context.Context, rows []store.LogRow) error
	AddDeltas(ctx context.Context, d store.Deltas) error
	AddDistinct(ctx context.Context, classes, services []string) error
	MarkDone(ctx context.Context, filesProcessed int) error
}

// BatchHook runs after every flushed batch with its 1-based number. A
// non-nil error aborts the file.
type BatchHook func(ctx context.Context, batch int) error

// FileStats counts what happened to the lines of one file.
type FileStats struct {
	Lines             int  `json:"lines"`
	Records           int  `json:"records"`
	Blank             int  `json:"blank"`
	Malformed         int  `json:"malformed"`
	InvalidUTF8       int  `json:"invalid_utf8"`
	InvalidTimestamps int  `json:"invalid_timestamps"`
	MissingClass      int  `json:"missing_class"`
	Batches           int  `json:"batches"`
	Truncated         bool `json:"truncated"`
	Missing           bool `json:"missing"`
}

// Aggregator ingests files. It holds no per-file state and may be shared by
// jobs running concurrently.
type Aggregator struct {
	cfg     Config
	parser  *record.Parser
	onBatch BatchHook
}

// New creates an aggregator. A nil parser selects the default level set.
func New(cfg Config, parser *record.Parser) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if parser == nil {
		parser = record.NewParser(nil)
	}
	return &Aggregator{cfg: cfg, parser: parser}, nil
}

// WithBatchHook returns a copy of the aggregator that calls hook after
// every flushed batch.
func (a *Aggregator) WithBatchHook(hook BatchHook) *Aggregator {
	cp := *a
	cp.onBatch = hook
	return &cp
}

// Config returns the aggregator configuration.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// batch is the in-memory state between two flushes.
type batch struct {
	rows     []store.LogRow
	deltas   store.Deltas
	classes  map[string]struct{}
	services map[string]struct{}
}

func newBatch(size int) *batch {
	return &batch{
		rows:     make([]store.LogRow, 0, size),
		deltas:   store.NewDeltas(),
		classes:  make(map[string]struct{}),
		services: make(map[string]struct{}),
	}
}

func (b *batch) add(row store.LogRow) {
	b.rows = append(b.rows, row)

	r := row.Record
	b.deltas.Add(store.DimClass, r.Class, r.Level, 1)
	b.deltas.Add(store.DimService, r.Service, r.Level, 1)
	b.deltas.Add(store.DimClassService, r.Class, r.Service, 1)
	if r.HasValidTimestamp() {
		b.deltas.Add(store.DimTimeline, r.Hour, r.Level, 1)
	}
	b.classes[r.Class] = struct{}{}
	b.services[r.Service] = struct{}{}
}

func (b *batch) reset() {
	b.rows = b.rows[:0]
	b.deltas = store.NewDeltas()
	clear(b.classes)
	clear(b.services)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Ingest reads every line of fileID, flushes full batches into tx, and after
// the last batch marks the file done with filesProcessed as the job's new
// count. On error nothing is marked and the caller must roll tx back.
func (a *Aggregator) Ingest(ctx context.Context, tx Tx, fileID string, lines source.Lines, filesProcessed int) (FileStats, error) {
	log := logctx.FromContext(ctx)
	folder, name := source.Split(fileID)

	var stats FileStats
	b := newBatch(a.cfg.BatchSize)

	flush := func() error {
		if len(b.rows) == 0 {
			return nil
		}
		n := stats.Batches + 1
		if err := tx.InsertLogs(ctx, b.rows); err != nil {
			return fmt.Errorf("flush batch %d: %w", n, err)
		}
		if err := tx.AddDeltas(ctx, b.deltas); err != nil {
			return fmt.Errorf("flush batch %d: %w", n, err)
		}
		if err := tx.AddDistinct(ctx, keys(b.classes), keys(b.services)); err != nil {
			return fmt.Errorf("flush batch %d: %w", n, err)
		}
		stats.Batches++
		b.reset()

		if a.onBatch != nil {
			if err := a.onBatch(ctx, stats.Batches); err != nil {
				return err
			}
		}
		return nil
	}

	for lines.Next() {
		line := lines.Line()
		stats.Lines++

		if strings.TrimSpace(line.Text) == "" {
			stats.Blank++
			continue
		}

		rec, err := a.parser.Parse(line.Text)
		if errors.Is(err, record.ErrMalformed) {
			stats.Malformed++
			log.Warn().
				Int("line", line.Index).
				Err(err).
				Msg("skipping malformed line")
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("parse line %d: %w", line.Index, err)
		}

		if !rec.HasValidTimestamp() {
			stats.InvalidTimestamps++
			log.Debug().
				Int("line", line.Index).
				Str("timestamp", rec.Timestamp).
				Msg("unparseable timestamp, excluded from timeline")
		}
		if rec.MissingClass {
			stats.MissingClass++
		}

		b.add(store.LogRow{Record: rec, Folder: folder, FileName: name, LineIdx: line.Index})
		stats.Records++

		if len(b.rows) >= a.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	stats.InvalidUTF8 = lines.InvalidUTF8()
	stats.Truncated = lines.Truncated()
	stats.Missing = source.Missing(lines)
	if err := lines.Err(); err != nil {
		return stats, err
	}

	if err := flush(); err != nil {
		return stats, err
	}
	if err := tx.MarkDone(ctx, filesProcessed); err != nil {
		return stats, err
	}

	log.Debug().
		Int("lines", stats.Lines).
		Int("records", stats.Records).
		Int("malformed", stats.Malformed).
		Int("invalid_timestamps", stats.InvalidTimestamps).
		Int("batches", stats.Batches).
		Bool("truncated", stats.Truncated).
		Msg("file aggregated")

	return stats, nil
}
