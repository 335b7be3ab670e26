// Package export writes the raw rows of a job to a Parquet file.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/logscan/pkg/fileutil"
	"github.com/eunmann/logscan/pkg/logging"
	"github.com/eunmann/logscan/pkg/store"
)

// rowBufferSize is the number of rows handed to the writer per call.
const rowBufferSize = 1024

// Row is one exported log row.
type Row struct {
	ID        int64  `parquet:"id"`
	Timestamp string `parquet:"timestamp"`
	Level     string `parquet:"level,dict"`
	Class     string `parquet:"class,dict"`
	Service   string `parquet:"service,dict"`
	Message   string `parquet:"log_message"`
	Folder    string `parquet:"folder,dict"`
	FileName  string `parquet:"file_name,dict"`
	LineIdx   int64  `parquet:"line_idx"`
}

func rowOf(e store.LogEntry) Row {
	return Row{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Level:     e.Level,
		Class:     e.Class,
		Service:   e.Service,
		Message:   e.Message,
		Folder:    e.Folder,
		FileName:  e.FileName,
		LineIdx:   int64(e.LineIdx),
	}
}

// Result describes a finished export.
type Result struct {
	Rows     int64
	Bytes    int64
	Duration time.Duration
}

// Parquet writes every raw row of jobID to outPath, zstd-compressed, in
// insertion order. The file appears only once complete.
func Parquet(ctx context.Context, st *store.Store, jobID, outPath string) (Result, error) {
	if _, err := st.GetJob(ctx, jobID); err != nil {
		return Result{}, err
	}

	log := logging.WithPhase("export")
	start := time.Now()
	var rows int64

	written, err := fileutil.WriteAtomic(outPath, func(out io.Writer) error {
		w := parquet.NewGenericWriter[Row](out, parquet.Compression(&parquet.Zstd))
		buf := make([]Row, 0, rowBufferSize)

		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("write rows: %w", err)
			}
			rows += int64(len(buf))
			buf = buf[:0]
			return nil
		}

		err := st.EachLog(ctx, jobID, func(e store.LogEntry) error {
			buf = append(buf, rowOf(e))
			if len(buf) < rowBufferSize {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return flush()
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("export job %s: %w", jobID, err)
	}

	res := Result{Rows: rows, Bytes: written, Duration: time.Since(start)}
	log.Info().
		Str("job_id", jobID).
		Str("path", outPath).
		Int64("rows", res.Rows).
		Int64("bytes", res.Bytes).
		Dur("elapsed", res.Duration).
		Msg("export complete")
	return res, nil
}
