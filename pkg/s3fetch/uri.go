package s3fetch

import (
	"errors"
	"fmt"
	"strings"
)

const uriScheme = "s3://"

// FormatS3URI returns the s3://bucket/key identifier of an object.
func FormatS3URI(bucket, key string) string {
	return uriScheme + bucket + "/" + key
}

// IsS3URI reports whether s looks like an s3:// identifier.
func IsS3URI(s string) bool {
	return strings.HasPrefix(s, uriScheme)
}

// ParseS3URI parses an S3 URI (s3://bucket/key) into bucket and key components.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !IsS3URI(uri) {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	path := strings.TrimPrefix(uri, uriScheme)
	bucket, key, _ = strings.Cut(path, "/")
	if bucket == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	return bucket, key, nil
}

// ParseBucketIdentifier accepts a plain bucket name or a bucket ARN
// (arn:aws:s3:::my-bucket) and returns the bucket name.
func ParseBucketIdentifier(bucketOrARN string) (string, error) {
	if bucketOrARN == "" {
		return "", errors.New("empty bucket identifier")
	}
	if strings.HasPrefix(bucketOrARN, "arn:") {
		return parseBucketARN(bucketOrARN)
	}
	if strings.Contains(bucketOrARN, "://") {
		return "", fmt.Errorf("invalid bucket identifier %q: looks like a URI", bucketOrARN)
	}
	return bucketOrARN, nil
}

// parseBucketARN extracts the bucket from arn:partition:s3:::bucket[/path].
func parseBucketARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 {
		return "", fmt.Errorf("invalid ARN %q: expected at least 6 colon-separated parts", arn)
	}
	if parts[2] != "s3" {
		return "", fmt.Errorf("invalid S3 ARN %q: service must be 's3', got %q", arn, parts[2])
	}

	resource := strings.Join(parts[5:], ":")
	if idx := strings.Index(resource, "/"); idx >= 0 {
		resource = resource[:idx]
	}
	if resource == "" {
		return "", fmt.Errorf("invalid S3 ARN %q: missing bucket name", arn)
	}
	return resource, nil
}
