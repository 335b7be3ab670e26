// Package source enumerates log files from a local tree or an S3 bucket and
// streams their decompressed lines.
package source

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/s3fetch"
)

// Sentinel errors.
var (
	// ErrConfiguration marks a bad source descriptor or missing parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidSource marks a root that is not a directory or a bucket folder that does not exist.
	ErrInvalidSource = errors.New("invalid source")
	// ErrCorruptStream marks a structurally corrupt compressed stream.
	ErrCorruptStream = errors.New("corrupt compressed stream")
)

// DefaultBucket is the bucket that holds customer log folders.
const DefaultBucket = "k8-customer-logs"

// DefaultPatterns selects gzip-compressed files.
var DefaultPatterns = []string{"*.gz"}

// Kind is the storage backend of a descriptor.
type Kind string

// Kinds.
const (
	KindLocal  Kind = "local"
	KindBucket Kind = "bucket"
)

// Descriptor identifies the files of one job: either a local directory or a
// customer folder in the bucket plus an inclusive hour range.
type Descriptor struct {
	FolderPath     string `json:"folder_path,omitempty"`
	CustomerFolder string `json:"customer_folder,omitempty"`
	StartDatetime  string `json:"start_datetime,omitempty"`
	EndDatetime    string `json:"end_datetime,omitempty"`
}

// Kind reports the backend the descriptor selects.
func (d Descriptor) Kind() Kind {
	if d.FolderPath != "" {
		return KindLocal
	}
	return KindBucket
}

// Validate checks that exactly one source form is given and that a bucket
// range is well formed with start <= end.
func (d Descriptor) Validate() error {
	bucketFields := d.CustomerFolder != "" || d.StartDatetime != "" || d.EndDatetime != ""
	switch {
	case d.FolderPath != "" && bucketFields:
		return fmt.Errorf("%w: provide either folder_path or customer_folder with start/end_datetime", ErrConfiguration)
	case d.FolderPath != "":
		return nil
	case d.CustomerFolder == "" || d.StartDatetime == "" || d.EndDatetime == "":
		return fmt.Errorf("%w: provide either folder_path or customer_folder with start/end_datetime", ErrConfiguration)
	}

	if strings.Contains(d.CustomerFolder, "/") {
		return fmt.Errorf("%w: customer_folder %q must not contain '/'", ErrConfiguration, d.CustomerFolder)
	}
	_, _, err := ParseHourRange(d.StartDatetime, d.EndDatetime)
	return err
}

// Name is the short name used as the job id prefix.
func (d Descriptor) Name() string {
	if d.Kind() == KindBucket {
		return d.CustomerFolder
	}
	name := filepath.Base(filepath.Clean(d.FolderPath))
	if name == "." || name == string(filepath.Separator) {
		return "root"
	}
	return name
}

// Display is the folder_path shown for the job.
func (d Descriptor) Display(bucket string) string {
	if d.Kind() == KindBucket {
		return s3fetch.FormatS3URI(bucket, d.CustomerFolder)
	}
	return d.FolderPath
}

// Line is one decoded text line and its 0-based index in the file.
type Line struct {
	Index int
	Text  string
}

// Lines is a forward-only sequence of lines from one file. A file is re-read
// by calling Open again.
type Lines interface {
	Next() bool
	Line() Line
	// Err returns the read error that ended the sequence, if any. Corrupt
	// compressed data ends the sequence without an error; see Truncated.
	Err() error
	// Truncated reports that the sequence ended early on corrupt data.
	Truncated() bool
	// InvalidUTF8 is the number of lines skipped because they were not UTF-8.
	InvalidUTF8() int
	Close() error
}

// Missing reports whether l stands for an object that vanished between
// enumeration and open. Such a file reads as empty.
func Missing(l Lines) bool {
	m, ok := l.(interface{ Missing() bool })
	return ok && m.Missing()
}

// Source enumerates and opens the files of one descriptor.
type Source interface {
	// Enumerate returns file identifiers in a stable order.
	Enumerate(ctx context.Context) ([]string, error)
	// Open starts a fresh read of one file identifier.
	Open(ctx context.Context, fileID string) (Lines, error)
}

// Retrieval selects how bucket objects are fetched.
type Retrieval string

// Retrieval modes.
const (
	RetrievalStream   Retrieval = "stream"
	RetrievalDownload Retrieval = "download"
)

// Config holds the settings shared by all sources.
type Config struct {
	// Patterns select files by glob. Patterns without '/' match the base
	// name; others match the path relative to the root or customer folder.
	Patterns []string
	// Bucket holds customer folders.
	Bucket string
	// Retrieval selects streaming or download-manager reads.
	Retrieval Retrieval
	// Retry wraps listing, probing, and object retrieval.
	Retry retry.Policy
	// Client serves bucket sources. Nil disables them.
	Client *s3fetch.Client
	// Download configures RetrievalDownload.
	Download s3fetch.DownloaderConfig
}

// DefaultConfig returns defaults for local sources and the default bucket.
func DefaultConfig() Config {
	return Config{
		Patterns:  DefaultPatterns,
		Bucket:    DefaultBucket,
		Retrieval: RetrievalStream,
		Retry:     retry.DefaultPolicy(),
	}
}

// Validate checks configuration values.
func (c Config) Validate() error {
	if len(c.Patterns) == 0 {
		return errors.New("at least one file pattern is required")
	}
	for _, p := range c.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid file pattern %q", p)
		}
	}
	if c.Retrieval != RetrievalStream && c.Retrieval != RetrievalDownload {
		return fmt.Errorf("retrieval must be %q or %q, got %q", RetrievalStream, RetrievalDownload, c.Retrieval)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// New builds the Source for d.
func New(cfg Config, d Descriptor) (Source, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	match := matcher(cfg.Patterns)

	if d.Kind() == KindLocal {
		return &LocalTree{root: d.FolderPath, match: match, retry: cfg.Retry}, nil
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: bucket sources are not configured", ErrConfiguration)
	}
	start, end, err := ParseHourRange(d.StartDatetime, d.EndDatetime)
	if err != nil {
		return nil, err
	}
	b := &Bucket{
		client: cfg.Client,
		bucket: cfg.Bucket,
		folder: d.CustomerFolder,
		start:  start,
		end:    end,
		match:  match,
		retry:  cfg.Retry,
	}
	if cfg.Retrieval == RetrievalDownload {
		b.downloader = cfg.Client.Downloader(cfg.Download)
	}
	return b, nil
}

// matcher returns a predicate over slash-separated relative paths.
func matcher(patterns []string) func(rel string) bool {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return func(rel string) bool {
		for _, p := range patterns {
			name := rel
			if !strings.Contains(p, "/") {
				name = path.Base(rel)
			}
			if ok, _ := doublestar.Match(p, name); ok {
				return true
			}
		}
		return false
	}
}

// Split returns the folder and file name recorded with each row of fileID.
func Split(fileID string) (folder, name string) {
	if s3fetch.IsS3URI(fileID) {
		i := strings.LastIndex(fileID, "/")
		return fileID[:i], fileID[i+1:]
	}
	return filepath.Dir(fileID), filepath.Base(fileID)
}
