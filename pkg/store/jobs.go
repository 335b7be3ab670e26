package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. ERROR and COMPLETED are terminal.
const (
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusError     Status = "ERROR"
	StatusCompleted Status = "COMPLETED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusCompleted
}

// Job is one row of the jobs table.
type Job struct {
	ID             string `json:"job_id"`
	FolderPath     string `json:"folder_path"`
	Status         Status `json:"status"`
	FilesProcessed int    `json:"files_processed"`
	TotalFiles     int    `json:"total_files"`
	StartTime      string `json:"start_time"`
	LastUpdated    string `json:"last_updated"`
	CurrentFile    string `json:"current_file,omitempty"`
}

const jobColumns = `job_id, COALESCE(folder_path, ''), COALESCE(status, ''),
	COALESCE(files_processed, 0), COALESCE(total_files, 0),
	COALESCE(start_time, ''), COALESCE(last_updated, ''), COALESCE(current_file, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	err := r.Scan(&j.ID, &j.FolderPath, &j.Status, &j.FilesProcessed, &j.TotalFiles,
		&j.StartTime, &j.LastUpdated, &j.CurrentFile)
	return j, err
}

// CreateJob inserts a job and, when set, its parameters in one transaction.
// StartTime and LastUpdated default to now.
func (s *Store) CreateJob(ctx context.Context, job Job, params JobParams) error {
	ts := timestamp()
	if job.StartTime == "" {
		job.StartTime = ts
	}
	if job.LastUpdated == "" {
		job.LastUpdated = ts
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (job_id, folder_path, status, files_processed, total_files, start_time, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.FolderPath, job.Status, job.FilesProcessed, job.TotalFiles, job.StartTime, job.LastUpdated)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
		return saveJobParams(ctx, tx, job.ID, params)
	})
}

// GetJob returns one job.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY start_time DESC, job_id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob sets status and both file counters.
func (s *Store) UpdateJob(ctx context.Context, id string, status Status, filesProcessed, totalFiles int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, files_processed = ?, total_files = ?, last_updated = ?
			WHERE job_id = ?`,
			status, filesProcessed, totalFiles, timestamp(), id)
		if err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		return requireRow(res, id)
	})
}

// SetProgress sets both file counters and leaves the status alone.
func (s *Store) SetProgress(ctx context.Context, id string, filesProcessed, totalFiles int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET files_processed = ?, total_files = ?, last_updated = ?
			WHERE job_id = ?`,
			filesProcessed, totalFiles, timestamp(), id)
		if err != nil {
			return fmt.Errorf("update progress of job %s: %w", id, err)
		}
		return requireRow(res, id)
	})
}

// Transition moves the job from one status to another and reports whether
// it did. A job in any other status is left unchanged.
func (s *Store) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	var moved bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, last_updated = ? WHERE job_id = ? AND status = ?",
			to, timestamp(), id, from)
		if err != nil {
			return fmt.Errorf("set status of job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			moved = true
			return nil
		}
		return jobExists(ctx, tx, id)
	})
	return moved, err
}

// SetStatus changes only the status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, last_updated = ? WHERE job_id = ?",
			status, timestamp(), id)
		if err != nil {
			return fmt.Errorf("set status of job %s: %w", id, err)
		}
		return requireRow(res, id)
	})
}

// PauseInterrupted marks every RUNNING job PAUSED and returns their ids.
// Jobs still RUNNING at startup were interrupted by a crash.
func (s *Store) PauseInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT job_id FROM jobs WHERE status = ? ORDER BY start_time", StatusRunning)
		if err != nil {
			return fmt.Errorf("select running jobs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select running jobs: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, last_updated = ? WHERE status = ?",
			StatusPaused, timestamp(), StatusRunning)
		if err != nil {
			return fmt.Errorf("pause interrupted jobs: %w", err)
		}
		return nil
	})
	return ids, err
}

// DeleteJob removes a job and every row it owns in one transaction.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if err := jobExists(ctx, tx, id); err != nil {
			return err
		}
		for _, table := range jobTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE job_id = ?", id); err != nil {
				return fmt.Errorf("delete %s rows of job %s: %w", table, id, err)
			}
		}
		return nil
	})
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func jobExists(ctx context.Context, q rowQueryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE job_id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check job %s: %w", id, err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}
