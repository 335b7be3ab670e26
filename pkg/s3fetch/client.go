// Package s3fetch wraps the S3 operations used to enumerate and read log
// objects: folder checks, paginated listing, and object retrieval.
package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/eunmann/logscan/pkg/retry"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// permanentCodes are S3 error codes that retrying cannot fix.
var permanentCodes = map[string]struct{}{
	"AccessDenied":          {},
	"AllAccessDisabled":     {},
	"InvalidAccessKeyId":    {},
	"InvalidBucketName":     {},
	"NoSuchBucket":          {},
	"SignatureDoesNotMatch": {},
}

// API is the subset of *s3.Client used by Client.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures NewClient.
type Options struct {
	// Region overrides the region from the default AWS config chain.
	Region string
	// Endpoint points the client at an S3-compatible service.
	Endpoint string
	// PathStyle forces path-style addressing, needed by most S3-compatible services.
	PathStyle bool
}

// Client provides S3 operations for log objects.
type Client struct {
	api API
}

// NewClient creates a client using the default AWS configuration chain.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithConfig(cfg, opts), nil
}

// NewClientWithConfig creates a client from an existing AWS config.
func NewClientWithConfig(cfg aws.Config, opts Options) *Client {
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return &Client{api: s3Client}
}

// NewClientWithAPI creates a client over any API implementation.
func NewClientWithAPI(api API) *Client {
	return &Client{api: api}
}

// FolderExists reports whether any object lives under folder/ in bucket.
func (c *Client) FolderExists(ctx context.Context, bucket, folder string) (bool, error) {
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(folder + "/"),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("check s3://%s/%s/: %w", bucket, folder, Classify(err))
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// ListKeys returns the keys under prefix, in listing order, for which match
// returns true. A nil match keeps every key.
func (c *Client) ListKeys(ctx context.Context, bucket, prefix string, match func(key string) bool) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, Classify(err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || key[len(key)-1] == '/' {
				continue
			}
			if match == nil || match(key) {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// StreamObject returns a reader for an S3 object.
func (c *Client) StreamObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, Classify(err))
	}
	return resp.Body, nil
}

// Classify maps S3 API errors onto ErrNotFound and retry.Permanent. Other
// errors are returned unchanged and treated as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	if code == "NoSuchKey" || code == "NotFound" {
		return retry.Permanent(fmt.Errorf("%w: %w", ErrNotFound, err))
	}
	if _, ok := permanentCodes[code]; ok {
		return retry.Permanent(err)
	}
	return err
}
