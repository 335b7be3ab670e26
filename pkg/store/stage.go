package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/eunmann/logscan/pkg/record"
)

const stageSchema = `CREATE TABLE logs (
	timestamp TEXT,
	level TEXT,
	class TEXT,
	service TEXT,
	log_message TEXT,
	folder TEXT,
	file_name TEXT,
	line_idx INTEGER
)`

var stageLogs = multiRow{
	prefix: "INSERT INTO logs (timestamp, level, class, service, log_message, folder, file_name, line_idx)",
	cols:   8,
}

// stage is a scratch SQLite database holding the raw rows of one file until
// the file commits. It is private to one FileTx and deleted afterwards.
type stage struct {
	path string
	db   *sql.DB
	tx   *sql.Tx
	w    *batchWriter
}

func openStage(ctx context.Context, dir, prefix string) (*stage, error) {
	f, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create stage file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("create stage file: %w", err)
	}

	params := url.Values{}
	params.Set("_journal_mode", "MEMORY")
	params.Set("_synchronous", "OFF")
	db, err := sql.Open(driverName, path+"?"+params.Encode())
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("open stage database: %w", err)
	}
	db.SetMaxOpenConns(1)

	st := &stage{path: path, db: db}
	if _, err := db.ExecContext(ctx, stageSchema); err != nil {
		st.remove()
		return nil, fmt.Errorf("create stage schema: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		st.remove()
		return nil, fmt.Errorf("begin stage transaction: %w", err)
	}
	st.tx = tx
	st.w = newBatchWriter(tx)
	return st, nil
}

func (st *stage) insert(ctx context.Context, rows []LogRow) error {
	return st.w.exec(ctx, stageLogs, len(rows), func(i int, args []any) {
		fillLog(args, rows[i])
	})
}

// copyTo moves every staged row, in insertion order, into the job's raw
// table through w.
func (st *stage) copyTo(ctx context.Context, w *batchWriter, jobID string) error {
	rows, err := st.tx.QueryContext(ctx, `
		SELECT timestamp, level, class, service, log_message, folder, file_name, line_idx
		FROM logs ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("read staged logs: %w", err)
	}
	defer rows.Close()

	buf := make([]LogRow, 0, MultiRowBatchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		err := w.exec(ctx, insertLogs, len(buf), func(i int, args []any) {
			args[0] = jobID
			fillLog(args[1:], buf[i])
		})
		if err != nil {
			return fmt.Errorf("insert %d logs: %w", len(buf), err)
		}
		buf = buf[:0]
		return nil
	}

	for rows.Next() {
		var r LogRow
		var rec record.Record
		if err := rows.Scan(&rec.Timestamp, &rec.Level, &rec.Class, &rec.Service, &rec.Message,
			&r.Folder, &r.FileName, &r.LineIdx); err != nil {
			return fmt.Errorf("scan staged log: %w", err)
		}
		r.Record = rec
		buf = append(buf, r)
		if len(buf) == MultiRowBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read staged logs: %w", err)
	}
	return flush()
}

func (st *stage) remove() error {
	var errs []error
	if st.w != nil {
		st.w.close()
	}
	if st.tx != nil {
		if err := st.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
	}
	if err := st.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
