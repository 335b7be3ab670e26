package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/eunmann/logscan/pkg/record"
)

// MultiRowBatchSize is the number of rows per multi-row INSERT statement.
const MultiRowBatchSize = 256

// Dimension names one summary rollup.
type Dimension string

// Summary dimensions.
const (
	DimClass        Dimension = "class"
	DimService      Dimension = "service"
	DimTimeline     Dimension = "timeline"
	DimClassService Dimension = "class_service"
)

// Dimensions lists every summary dimension.
var Dimensions = []Dimension{DimClass, DimService, DimTimeline, DimClassService}

type summaryTable struct {
	table string
	cols  [2]string
}

var summaryTables = map[Dimension]summaryTable{
	DimClass:        {table: "class_level_counts", cols: [2]string{"class", "level"}},
	DimService:      {table: "service_level_counts", cols: [2]string{"service", "level"}},
	DimTimeline:     {table: "timeline_counts", cols: [2]string{"hour", "level"}},
	DimClassService: {table: "class_service_counts", cols: [2]string{"class", "service"}},
}

// ParseDimension validates a dimension name.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(s)
	if _, ok := summaryTables[d]; !ok {
		return "", fmt.Errorf("%w: unknown dimension %q, must be class, service, timeline, or class_service", ErrInvalidQuery, s)
	}
	return d, nil
}

// Columns returns the two key columns of the dimension's table.
func (d Dimension) Columns() [2]string {
	return summaryTables[d].cols
}

// Pair is the two-part key of a summary counter.
type Pair struct {
	A, B string
}

// Deltas accumulates summary count increments per dimension.
type Deltas map[Dimension]map[Pair]int64

// NewDeltas returns empty deltas for every dimension.
func NewDeltas() Deltas {
	d := make(Deltas, len(Dimensions))
	for _, dim := range Dimensions {
		d[dim] = make(map[Pair]int64)
	}
	return d
}

// Add increments one counter.
func (d Deltas) Add(dim Dimension, a, b string, n int64) {
	m, ok := d[dim]
	if !ok {
		m = make(map[Pair]int64)
		d[dim] = m
	}
	m[Pair{a, b}] += n
}

// Merge adds every counter of o to d.
func (d Deltas) Merge(o Deltas) {
	for dim, m := range o {
		for p, n := range m {
			d.Add(dim, p.A, p.B, n)
		}
	}
}

// LogRow is one raw record with its origin.
type LogRow struct {
	record.Record
	Folder   string
	FileName string
	LineIdx  int
}

// multiRow builds INSERT statements with n VALUES tuples.
type multiRow struct {
	prefix string
	cols   int
	suffix string
}

func (m multiRow) sql(n int) string {
	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", m.cols), ", ") + ")"
	rows := strings.TrimSuffix(strings.Repeat(one+", ", n), ", ")
	return m.prefix + " VALUES " + rows + m.suffix
}

var (
	insertLogs = multiRow{
		prefix: "INSERT INTO logs (job_id, timestamp, level, class, service, log_message, folder, file_name, line_idx)",
		cols:   9,
	}
	insertMeta = multiRow{
		prefix: "INSERT OR IGNORE INTO job_metadata (job_id, type, value)",
		cols:   3,
	}
	upsertSummary = func(t summaryTable) multiRow {
		return multiRow{
			prefix: fmt.Sprintf("INSERT INTO %s (job_id, %s, %s, count)", t.table, t.cols[0], t.cols[1]),
			cols:   4,
			suffix: fmt.Sprintf(" ON CONFLICT(job_id, %s, %s) DO UPDATE SET count = count + excluded.count", t.cols[0], t.cols[1]),
		}
	}
)

// batchWriter runs multi-row statements in one transaction, caching the
// prepared statement for full batches.
type batchWriter struct {
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
	args  []any
}

func newBatchWriter(tx *sql.Tx) *batchWriter {
	return &batchWriter{tx: tx, stmts: make(map[string]*sql.Stmt)}
}

// exec writes n rows through m, in full batches of MultiRowBatchSize with a
// prepared statement and one statement for the remainder.
func (w *batchWriter) exec(ctx context.Context, m multiRow, n int, fill func(i int, args []any)) error {
	full := m.sql(MultiRowBatchSize)
	for start := 0; start < n; start += MultiRowBatchSize {
		size := min(MultiRowBatchSize, n-start)
		args := w.argsFor(size * m.cols)
		for i := 0; i < size; i++ {
			fill(start+i, args[i*m.cols:(i+1)*m.cols])
		}

		if size == MultiRowBatchSize {
			stmt, ok := w.stmts[full]
			if !ok {
				var err error
				stmt, err = w.tx.PrepareContext(ctx, full)
				if err != nil {
					return fmt.Errorf("prepare multi-row statement: %w", err)
				}
				w.stmts[full] = stmt
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
			continue
		}
		if _, err := w.tx.ExecContext(ctx, m.sql(size), args...); err != nil {
			return err
		}
	}
	return nil
}

func (w *batchWriter) argsFor(n int) []any {
	if cap(w.args) < n {
		w.args = make([]any, n)
	}
	return w.args[:n]
}

func (w *batchWriter) close() {
	for _, stmt := range w.stmts {
		_ = stmt.Close()
	}
	w.stmts = nil
}

// fillLog writes the columns of r after job_id.
func fillLog(args []any, r LogRow) {
	args[0] = r.Timestamp
	args[1] = r.Level
	args[2] = r.Class
	args[3] = r.Service
	args[4] = r.Message
	args[5] = r.Folder
	args[6] = r.FileName
	args[7] = r.LineIdx
}

var errTxClosed = errors.New("file transaction already closed")

// FileTx collects the writes of one file. Raw rows go to a private scratch
// database and summary deltas stay in memory, so nothing is shared with
// other jobs until Commit writes the whole file in one short transaction.
// Rollback leaves no trace of the file.
type FileTx struct {
	s        *Store
	jobID    string
	fileID   string
	stage    *stage
	deltas   Deltas
	classes  map[string]struct{}
	services map[string]struct{}

	done           bool
	filesProcessed int
	closed         bool
}

// BeginFile starts collecting fileID of jobID. It fails with ErrJobNotFound
// when the job row is gone; Commit checks again so a deleted job never gets
// rows recreated.
func (s *Store) BeginFile(ctx context.Context, jobID, fileID string) (*FileTx, error) {
	if err := jobExists(ctx, s.db, jobID); err != nil {
		return nil, err
	}
	return &FileTx{
		s:        s,
		jobID:    jobID,
		fileID:   fileID,
		deltas:   NewDeltas(),
		classes:  make(map[string]struct{}),
		services: make(map[string]struct{}),
	}, nil
}

// InsertLogs appends raw rows in the given order.
func (f *FileTx) InsertLogs(ctx context.Context, rows []LogRow) error {
	if f.closed {
		return errTxClosed
	}
	if f.stage == nil {
		st, err := openStage(ctx, f.s.cfg.stageDir(), f.s.cfg.stagePrefix())
		if err != nil {
			return err
		}
		f.stage = st
	}
	if err := f.stage.insert(ctx, rows); err != nil {
		return fmt.Errorf("stage %d logs: %w", len(rows), err)
	}
	return nil
}

// AddDeltas adds every delta to the file's pending counters.
func (f *FileTx) AddDeltas(_ context.Context, d Deltas) error {
	if f.closed {
		return errTxClosed
	}
	f.deltas.Merge(d)
	return nil
}

// AddDistinct records class and service names; duplicates are ignored.
func (f *FileTx) AddDistinct(_ context.Context, classes, services []string) error {
	if f.closed {
		return errTxClosed
	}
	for _, c := range classes {
		f.classes[c] = struct{}{}
	}
	for _, s := range services {
		f.services[s] = struct{}{}
	}
	return nil
}

// MarkDone makes Commit append the file to the ledger and advance the job's
// progress. It must follow the file's last batch.
func (f *FileTx) MarkDone(_ context.Context, filesProcessed int) error {
	if f.closed {
		return errTxClosed
	}
	f.done = true
	f.filesProcessed = filesProcessed
	return nil
}

// Commit writes the file under the store write lock and releases the
// scratch database. It waits for the lock until ctx is done.
func (f *FileTx) Commit(ctx context.Context) error {
	if f.closed {
		return errTxClosed
	}
	defer f.discard()

	err := f.s.write(ctx, func(tx *sql.Tx) error {
		if err := jobExists(ctx, tx, f.jobID); err != nil {
			return err
		}
		w := newBatchWriter(tx)
		defer w.close()

		if f.stage != nil {
			if err := f.stage.copyTo(ctx, w, f.jobID); err != nil {
				return err
			}
		}
		if err := f.writeDeltas(ctx, w); err != nil {
			return err
		}
		if err := f.writeDistinct(ctx, w); err != nil {
			return err
		}
		if f.done {
			return f.markDone(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit file %s: %w", f.fileID, err)
	}
	return nil
}

// Rollback discards the file. It is a no-op after Commit or a previous
// Rollback.
func (f *FileTx) Rollback() error {
	if f.closed {
		return nil
	}
	return f.discard()
}

func (f *FileTx) discard() error {
	f.closed = true
	if f.stage == nil {
		return nil
	}
	err := f.stage.remove()
	f.stage = nil
	return err
}

func (f *FileTx) writeDeltas(ctx context.Context, w *batchWriter) error {
	for _, dim := range Dimensions {
		m := f.deltas[dim]
		if len(m) == 0 {
			continue
		}
		pairs := make([]Pair, 0, len(m))
		for p := range m {
			pairs = append(pairs, p)
		}
		err := w.exec(ctx, upsertSummary(summaryTables[dim]), len(pairs), func(i int, args []any) {
			args[0] = f.jobID
			args[1] = pairs[i].A
			args[2] = pairs[i].B
			args[3] = m[pairs[i]]
		})
		if err != nil {
			return fmt.Errorf("upsert %s counts: %w", dim, err)
		}
	}
	return nil
}

func (f *FileTx) writeDistinct(ctx context.Context, w *batchWriter) error {
	type entry struct{ typ, value string }
	entries := make([]entry, 0, len(f.classes)+len(f.services))
	for c := range f.classes {
		entries = append(entries, entry{metaClass, c})
	}
	for s := range f.services {
		entries = append(entries, entry{metaService, s})
	}

	err := w.exec(ctx, insertMeta, len(entries), func(i int, args []any) {
		args[0] = f.jobID
		args[1] = entries[i].typ
		args[2] = entries[i].value
	})
	if err != nil {
		return fmt.Errorf("insert distinct values: %w", err)
	}
	return nil
}

func (f *FileTx) markDone(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO job_metadata (job_id, type, value) VALUES (?, ?, ?)",
		f.jobID, metaProcessedFile, f.fileID)
	if err != nil {
		return fmt.Errorf("mark file done: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET files_processed = ?, current_file = ?, last_updated = ?
		WHERE job_id = ?`,
		f.filesProcessed, f.fileID, timestamp(), f.jobID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return requireRow(res, f.jobID)
}
