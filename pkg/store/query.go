package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidQuery is returned for unusable log query parameters.
var ErrInvalidQuery = errors.New("invalid query")

// SummaryRow is one counter of a summary table.
type SummaryRow struct {
	A     string
	B     string
	Count int64
}

// Summary returns the counters of one dimension. Timeline rows are ordered
// by hour; the others by their key columns.
func (s *Store) Summary(ctx context.Context, jobID string, dim Dimension) ([]SummaryRow, error) {
	t, ok := summaryTables[dim]
	if !ok {
		return nil, fmt.Errorf("%w: unknown dimension %q", ErrInvalidQuery, dim)
	}

	query := fmt.Sprintf("SELECT %[2]s, %[3]s, count FROM %[1]s WHERE job_id = ? ORDER BY %[2]s, %[3]s",
		t.table, t.cols[0], t.cols[1])
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query %s summary: %w", dim, err)
	}
	defer rows.Close()

	out := []SummaryRow{}
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.A, &r.B, &r.Count); err != nil {
			return nil, fmt.Errorf("scan %s summary: %w", dim, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s summary: %w", dim, err)
	}
	return out, nil
}

// SummaryTotal returns the sum of all counters of one dimension.
func (s *Store) SummaryTotal(ctx context.Context, jobID string, dim Dimension) (int64, error) {
	t, ok := summaryTables[dim]
	if !ok {
		return 0, fmt.Errorf("%w: unknown dimension %q", ErrInvalidQuery, dim)
	}
	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(count), 0) FROM "+t.table+" WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum %s summary: %w", dim, err)
	}
	return total, nil
}

// CountLogs returns the number of raw rows of a job.
func (s *Store) CountLogs(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE job_id = ?", jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

// LogEntry is one stored raw row.
type LogEntry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Class     string `json:"class"`
	Service   string `json:"service"`
	Message   string `json:"log_message"`
	Folder    string `json:"folder"`
	FileName  string `json:"file_name"`
	LineIdx   int    `json:"line_idx"`
}

const logColumns = `id, COALESCE(timestamp, ''), COALESCE(level, ''), COALESCE(class, ''),
	COALESCE(service, ''), COALESCE(log_message, ''), COALESCE(folder, ''),
	COALESCE(file_name, ''), COALESCE(line_idx, 0)`

func scanLog(r rowScanner) (LogEntry, error) {
	var e LogEntry
	err := r.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Class, &e.Service, &e.Message, &e.Folder, &e.FileName, &e.LineIdx)
	return e, err
}

// LevelAll disables the level filter of a LogQuery.
const LevelAll = "ALL"

// LogQuery selects raw rows of one class or service.
type LogQuery struct {
	JobID string
	// By is "class" or "service".
	By   string
	Name string
	// Level filters on one level; LevelAll or empty keeps every level.
	Level string
	// Search is a substring, or a regular expression when Regex is set.
	Search string
	Regex  bool
	// Page is 1-based.
	Page    int
	PerPage int
}

// LogPage is one page of a LogQuery.
type LogPage struct {
	Total   int64      `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Logs    []LogEntry `json:"logs"`
}

// likeEscaper makes LIKE wildcards in a search string match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (q LogQuery) where() (string, []any, error) {
	if q.By != "class" && q.By != "service" {
		return "", nil, fmt.Errorf("%w: by must be class or service, got %q", ErrInvalidQuery, q.By)
	}
	clauses := []string{"job_id = ?", q.By + " = ?"}
	args := []any{q.JobID, q.Name}

	if q.Level != "" && q.Level != LevelAll {
		clauses = append(clauses, "level = ?")
		args = append(args, q.Level)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		if q.Regex {
			if _, err := regexp.Compile(q.Search); err != nil {
				return "", nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
			}
			clauses = append(clauses, "log_message REGEXP ?")
			args = append(args, q.Search)
		} else {
			clauses = append(clauses, `log_message LIKE ? ESCAPE '\'`)
			args = append(args, "%"+likeEscaper.Replace(q.Search)+"%")
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// QueryLogs returns one page of matching rows ordered by timestamp and the
// total number of matches.
func (s *Store) QueryLogs(ctx context.Context, q LogQuery) (LogPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		return LogPage{}, fmt.Errorf("%w: per_page must be positive", ErrInvalidQuery)
	}
	where, args, err := q.where()
	if err != nil {
		return LogPage{}, err
	}

	page := LogPage{Page: q.Page, PerPage: q.PerPage, Logs: []LogEntry{}}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE "+where, args...).Scan(&page.Total); err != nil {
		return LogPage{}, fmt.Errorf("count matching logs: %w", err)
	}

	query := "SELECT " + logColumns + " FROM logs WHERE " + where + " ORDER BY timestamp, id LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, q.PerPage, (q.Page-1)*q.PerPage)...)
	if err != nil {
		return LogPage{}, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return LogPage{}, fmt.Errorf("scan log: %w", err)
		}
		page.Logs = append(page.Logs, e)
	}
	if err := rows.Err(); err != nil {
		return LogPage{}, fmt.Errorf("query logs: %w", err)
	}
	return page, nil
}

// EachLog calls fn for every raw row of a job in insertion order.
func (s *Store) EachLog(ctx context.Context, jobID string, fn func(LogEntry) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+logColumns+" FROM logs WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return fmt.Errorf("scan log: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate logs: %w", err)
	}
	return nil
}
