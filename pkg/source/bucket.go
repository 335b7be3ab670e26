package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/s3fetch"
)

// Bucket is a customer folder in an S3 bucket, read one hour prefix at a time.
type Bucket struct {
	client     *s3fetch.Client
	downloader *s3fetch.Downloader
	bucket     string
	folder     string
	start      time.Time
	end        time.Time
	match      func(rel string) bool
	retry      retry.Policy
}

// Enumerate checks the customer folder exists and lists each hour prefix in
// order. Identifiers are s3://bucket/key.
func (b *Bucket) Enumerate(ctx context.Context) ([]string, error) {
	log := logctx.FromContext(ctx)

	var exists bool
	err := b.retry.Do(ctx, "check customer folder", func(ctx context.Context) error {
		var err error
		exists, err = b.client.FolderExists(ctx, b.bucket, b.folder)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: customer folder %q not found in s3://%s", ErrInvalidSource, b.folder, b.bucket)
	}

	prefixes := HourPrefixes(b.folder, b.start, b.end)
	folderPrefix := b.folder + "/"
	match := func(key string) bool {
		return b.match(strings.TrimPrefix(key, folderPrefix))
	}

	var files []string
	for _, prefix := range prefixes {
		var keys []string
		err := b.retry.Do(ctx, "list "+prefix, func(ctx context.Context) error {
			var err error
			keys, err = b.client.ListKeys(ctx, b.bucket, prefix, match)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			files = append(files, s3fetch.FormatS3URI(b.bucket, k))
		}
	}

	log.Info().
		Str("bucket", b.bucket).
		Str("customer_folder", b.folder).
		Int("prefixes", len(prefixes)).
		Int("files", len(files)).
		Msg("enumerated bucket folder")
	return files, nil
}

// Open fetches one object. An object that vanished after listing reads as
// an empty file and is reported by Missing.
func (b *Bucket) Open(ctx context.Context, fileID string) (Lines, error) {
	bucket, key, err := s3fetch.ParseS3URI(fileID)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}

	var body io.ReadCloser
	err = b.retry.Do(ctx, "get "+fileID, func(ctx context.Context) error {
		var err error
		if b.downloader != nil {
			body, _, err = b.downloader.DownloadToReader(ctx, bucket, key)
		} else {
			body, err = b.client.StreamObject(ctx, bucket, key)
		}
		return err
	})
	if errors.Is(err, s3fetch.ErrNotFound) {
		log := logctx.FromContext(ctx)
		log.Warn().Str("file", fileID).Msg("object disappeared after listing")
		lines, err := newLines(ctx, fileID, io.NopCloser(strings.NewReader("")))
		if lr, ok := lines.(*lineReader); ok {
			lr.missing = true
		}
		return lines, err
	}
	if err != nil {
		return nil, err
	}
	return newLines(ctx, fileID, body)
}
