package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: NumCPU clamped to [2, 8].
	Concurrency int

	// PartSize is the size of each download part in bytes.
	// Default: 8MB.
	PartSize int64

	// TempDir is the directory for temporary download files.
	// If empty, os.TempDir() is used.
	TempDir string
}

// DefaultDownloaderConfig returns defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := runtime.NumCPU()
	if concurrency < 2 {
		concurrency = 2
	}
	if concurrency > 8 {
		concurrency = 8
	}

	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    8 * 1024 * 1024,
	}
}

// withDefaults fills zero values from DefaultDownloaderConfig.
func (c DownloaderConfig) withDefaults() DownloaderConfig {
	def := DefaultDownloaderConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PartSize <= 0 {
		c.PartSize = def.PartSize
	}
	return c
}

// Downloader wraps the AWS S3 Download Manager. Log objects are fetched with
// parallel range requests into a temp file and then read sequentially.
type Downloader struct {
	manager *manager.Downloader
	config  DownloaderConfig
}

// NewDownloader creates a Downloader over api.
func NewDownloader(api manager.DownloadAPIClient, cfg DownloaderConfig) *Downloader {
	cfg = cfg.withDefaults()

	mgr := manager.NewDownloader(api, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
	})

	return &Downloader{manager: mgr, config: cfg}
}

// Downloader returns a Downloader sharing the client's API.
func (c *Client) Downloader(cfg DownloaderConfig) *Downloader {
	return NewDownloader(c.api, cfg)
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	Duration        time.Duration
}

// DownloadToReader downloads an S3 object and returns a reader over it. The
// temp file backing the reader is removed on Close.
func (d *Downloader) DownloadToReader(ctx context.Context, bucket, key string) (io.ReadCloser, *DownloadResult, error) {
	startTime := time.Now()

	tempFile, err := os.CreateTemp(d.config.TempDir, "logscan-*.tmp")
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}

	n, err := d.manager.Download(ctx, tempFile, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, Classify(err))
	}

	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("seek temp file: %w", err)
	}

	result := &DownloadResult{
		BytesDownloaded: n,
		Duration:        time.Since(startTime),
	}
	return &tempFileReader{file: tempFile, path: tempFile.Name()}, result, nil
}

// Config returns the downloader configuration.
func (d *Downloader) Config() DownloaderConfig {
	return d.config
}

// tempFileReader wraps an os.File and deletes it on close.
type tempFileReader struct {
	file *os.File
	path string
}

func (r *tempFileReader) Read(p []byte) (n int, err error) {
	n, err = r.file.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, fmt.Errorf("read temp file: %w", err)
	}
	return n, nil
}

func (r *tempFileReader) Close() error {
	err := r.file.Close()
	os.Remove(r.path)
	if err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}
