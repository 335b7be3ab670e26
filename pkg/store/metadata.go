package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// job_metadata types. The table backs three typed views: the processed-file
// ledger, the distinct class/service index, and the job parameters.
const (
	metaProcessedFile  = "processed_file"
	metaClass          = "class"
	metaService        = "service"
	metaCustomerFolder = "customer_folder"
	metaStartDatetime  = "start_datetime"
	metaEndDatetime    = "end_datetime"
)

// JobParams are the source parameters kept for resuming bucket jobs.
type JobParams struct {
	CustomerFolder string `json:"customer_folder,omitempty"`
	StartDatetime  string `json:"start_datetime,omitempty"`
	EndDatetime    string `json:"end_datetime,omitempty"`
}

// IsZero reports whether no parameter is set.
func (p JobParams) IsZero() bool {
	return p == JobParams{}
}

// Distinct holds the class and service names seen by a job.
type Distinct struct {
	Classes  []string `json:"classes"`
	Services []string `json:"services"`
}

func saveJobParams(ctx context.Context, tx *sql.Tx, jobID string, p JobParams) error {
	for _, kv := range [][2]string{
		{metaCustomerFolder, p.CustomerFolder},
		{metaStartDatetime, p.StartDatetime},
		{metaEndDatetime, p.EndDatetime},
	} {
		if kv[1] == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO job_metadata (job_id, type, value) VALUES (?, ?, ?)",
			jobID, kv[0], kv[1])
		if err != nil {
			return fmt.Errorf("save %s of job %s: %w", kv[0], jobID, err)
		}
	}
	return nil
}

// JobParams returns the stored parameters. Missing values are empty.
func (s *Store) JobParams(ctx context.Context, jobID string) (JobParams, error) {
	values, err := s.metadata(ctx, jobID, metaCustomerFolder, metaStartDatetime, metaEndDatetime)
	if err != nil {
		return JobParams{}, err
	}
	var p JobParams
	for _, v := range values {
		switch v.typ {
		case metaCustomerFolder:
			p.CustomerFolder = v.value
		case metaStartDatetime:
			p.StartDatetime = v.value
		case metaEndDatetime:
			p.EndDatetime = v.value
		}
	}
	return p, nil
}

// ProcessedFiles returns the ledger in commit order.
func (s *Store) ProcessedFiles(ctx context.Context, jobID string) ([]string, error) {
	values, err := s.metadata(ctx, jobID, metaProcessedFile)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(values))
	for i, v := range values {
		files[i] = v.value
	}
	return files, nil
}

// ProcessedSet returns the ledger as a set.
func (s *Store) ProcessedSet(ctx context.Context, jobID string) (map[string]struct{}, error) {
	files, err := s.ProcessedFiles(ctx, jobID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}
	return set, nil
}

// DistinctValues returns the sorted class and service names seen by a job.
func (s *Store) DistinctValues(ctx context.Context, jobID string) (Distinct, error) {
	values, err := s.metadata(ctx, jobID, metaClass, metaService)
	if err != nil {
		return Distinct{}, err
	}
	d := Distinct{Classes: []string{}, Services: []string{}}
	for _, v := range values {
		if v.typ == metaClass {
			d.Classes = append(d.Classes, v.value)
		} else {
			d.Services = append(d.Services, v.value)
		}
	}
	sort.Strings(d.Classes)
	sort.Strings(d.Services)
	return d, nil
}

type metaValue struct {
	typ   string
	value string
}

func (s *Store) metadata(ctx context.Context, jobID string, types ...string) ([]metaValue, error) {
	query := "SELECT type, value FROM job_metadata WHERE job_id = ? AND type IN (?" + strings.Repeat(", ?", len(types)-1) + ") ORDER BY rowid"
	args := make([]any, 0, len(types)+1)
	args = append(args, jobID)
	for _, t := range types {
		args = append(args, t)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metadata of job %s: %w", jobID, err)
	}
	defer rows.Close()

	var values []metaValue
	for rows.Next() {
		var v metaValue
		if err := rows.Scan(&v.typ, &v.value); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query metadata of job %s: %w", jobID, err)
	}
	return values, nil
}
