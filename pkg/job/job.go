// Package job runs ingestion jobs: one goroutine per job drives enumeration,
// file reads, parsing, and aggregation, and reacts to pause, resume, and
// delete requests. Progress is durable in the store, so a job interrupted by
// a crash resumes from its processed-file ledger.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eunmann/logscan/pkg/aggregate"
	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/s3fetch"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

// Sentinel errors.
var (
	ErrNotFound   = errors.New("job not found")
	ErrNotRunning = errors.New("job is not running")
	ErrNotPaused  = errors.New("job is not paused")
	ErrClosed     = errors.New("job registry closed")

	// ErrMissingParameters is returned when a bucket job has no stored hour
	// range to resume with. It is a configuration error.
	ErrMissingParameters = fmt.Errorf("%w: missing start_datetime/end_datetime for bucket job", source.ErrConfiguration)
)

// Snapshot is the externally visible state of a job. Counters are the last
// durably committed values; Status reflects pause requests immediately.
type Snapshot struct {
	ID             string       `json:"job_id"`
	FolderPath     string       `json:"folder_path"`
	Status         store.Status `json:"status"`
	FilesProcessed int          `json:"files_processed"`
	TotalFiles     int          `json:"total_files"`
	StartTime      string       `json:"start_time"`
	LastUpdated    string       `json:"last_updated"`
	CurrentFile    string       `json:"current_file,omitempty"`
	Error          string       `json:"error,omitempty"`
}

func snapshotOf(j store.Job) Snapshot {
	return Snapshot{
		ID:             j.ID,
		FolderPath:     j.FolderPath,
		Status:         j.Status,
		FilesProcessed: j.FilesProcessed,
		TotalFiles:     j.TotalFiles,
		StartTime:      j.StartTime,
		LastUpdated:    j.LastUpdated,
		CurrentFile:    j.CurrentFile,
	}
}

// DateRange is the hour range a job covers, as YYYYMMDD-HH.
type DateRange struct {
	Start string `json:"start_datetime"`
	End   string `json:"end_datetime"`
}

// Config holds configuration for the registry.
type Config struct {
	// Source configures enumeration and file reads.
	Source source.Config
	// Aggregate configures batching.
	Aggregate aggregate.Config
	// Levels is the accepted level set. Empty selects record.DefaultLevels.
	Levels []string
	// FileRetry bounds the whole-file redo after a transient read failure.
	FileRetry retry.Policy
	// ResumeInterrupted resumes jobs found RUNNING at startup.
	ResumeInterrupted bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Source:            source.DefaultConfig(),
		Aggregate:         aggregate.DefaultConfig(),
		FileRetry:         retry.DefaultPolicy(),
		ResumeInterrupted: true,
	}
}

// Validate checks configuration values and returns an error for invalid settings.
func (c Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Aggregate.Validate(); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if err := c.FileRetry.Validate(); err != nil {
		return fmt.Errorf("file retry: %w", err)
	}
	return nil
}

// now is replaced in tests.
var now = time.Now

// newID returns <name>_<YYYYMMDD-HHMMSS>_<8 hex>.
func newID(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", name, now().Format("20060102-150405"), suffix)
}

// descriptorOf rebuilds the source descriptor of a stored job.
func descriptorOf(j store.Job, p store.JobParams) (source.Descriptor, error) {
	if !s3fetch.IsS3URI(j.FolderPath) {
		return source.Descriptor{FolderPath: j.FolderPath}, nil
	}

	folder := p.CustomerFolder
	if folder == "" {
		if _, key, err := s3fetch.ParseS3URI(j.FolderPath); err == nil {
			folder = key
		}
	}
	if folder == "" || p.StartDatetime == "" || p.EndDatetime == "" {
		return source.Descriptor{}, fmt.Errorf("job %s: %w", j.ID, ErrMissingParameters)
	}
	return source.Descriptor{
		CustomerFolder: folder,
		StartDatetime:  p.StartDatetime,
		EndDatetime:    p.EndDatetime,
	}, nil
}
