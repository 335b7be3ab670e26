package job

import (
	"context"

	"github.com/eunmann/logscan/pkg/store"
)

// Summary returns the counters of one dimension of a job.
func (r *Registry) Summary(ctx context.Context, id string, dim store.Dimension) ([]store.SummaryRow, error) {
	if err := r.exists(id); err != nil {
		return nil, err
	}
	return r.store.Summary(ctx, id, dim)
}

// Metadata returns the distinct classes and services seen by a job.
func (r *Registry) Metadata(ctx context.Context, id string) (store.Distinct, error) {
	if err := r.exists(id); err != nil {
		return store.Distinct{}, err
	}
	return r.store.DistinctValues(ctx, id)
}

// Logs returns one page of raw rows of a job.
func (r *Registry) Logs(ctx context.Context, q store.LogQuery) (store.LogPage, error) {
	if err := r.exists(q.JobID); err != nil {
		return store.LogPage{}, err
	}
	return r.store.QueryLogs(ctx, q)
}
