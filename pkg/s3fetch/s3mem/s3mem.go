// Package s3mem is an in-memory implementation of s3fetch.API for tests and
// local runs without S3.
package s3mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Store holds objects by bucket and key. Listing is lexical by key, as S3 does.
type Store struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// PageSize caps keys per ListObjectsV2 page. Zero means 1000.
	PageSize int

	listCalls int
	getCalls  int
	listFails []error
	getFails  []error
}

// New returns an empty store.
func New() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

// Put stores an object, creating the bucket if needed.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
}

// FailLists makes the next ListObjectsV2 calls return errs, one per call.
func (s *Store) FailLists(errs ...error) {
	s.mu.Lock()
	s.listFails = append(s.listFails, errs...)
	s.mu.Unlock()
}

// FailGets makes the next GetObject calls return errs, one per call.
func (s *Store) FailGets(errs ...error) {
	s.mu.Lock()
	s.getFails = append(s.getFails, errs...)
	s.mu.Unlock()
}

// Calls returns the number of ListObjectsV2 and GetObject calls served.
func (s *Store) Calls() (list, get int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.getCalls
}

// APIError builds an S3-style API error with the given code.
func APIError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// ListObjectsV2 implements s3fetch.API.
func (s *Store) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listCalls++
	if len(s.listFails) > 0 {
		err := s.listFails[0]
		s.listFails = s.listFails[1:]
		return nil, err
	}

	b, ok := s.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, APIError("NoSuchBucket")
	}

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)

	limit := s.PageSize
	if limit <= 0 {
		limit = 1000
	}
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{Name: in.Bucket, Prefix: in.Prefix}
	seen := make(map[string]bool)
	count := 0
	for _, k := range keys {
		if count == limit {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(lastKey(out))
			break
		}
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				cp := k[:len(prefix)+i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
					count++
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(b[k]))),
		})
		count++
	}
	out.KeyCount = aws.Int32(int32(count))
	if out.IsTruncated == nil {
		out.IsTruncated = aws.Bool(false)
	}
	return out, nil
}

func lastKey(out *s3.ListObjectsV2Output) string {
	last := ""
	if n := len(out.Contents); n > 0 {
		last = aws.ToString(out.Contents[n-1].Key)
	}
	if n := len(out.CommonPrefixes); n > 0 {
		// every key under the prefix sorts before prefix+"\xff"
		if cp := aws.ToString(out.CommonPrefixes[n-1].Prefix) + "\xff"; cp > last {
			last = cp
		}
	}
	return last
}

// GetObject implements s3fetch.API. Range requests of the form
// bytes=start-end are honored.
func (s *Store) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getCalls++
	if len(s.getFails) > 0 {
		err := s.getFails[0]
		s.getFails = s.getFails[1:]
		return nil, err
	}

	b, ok := s.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, APIError("NoSuchBucket")
	}
	data, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, APIError("NoSuchKey")
	}

	out := &s3.GetObjectOutput{}
	body := data
	if r := aws.ToString(in.Range); r != "" {
		start, end, err := parseRange(r, int64(len(data)))
		if err != nil {
			return nil, err
		}
		body = data[start : end+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	}
	out.ContentLength = aws.Int64(int64(len(body)))
	out.Body = io.NopCloser(bytes.NewReader(body))
	return out, nil
}

func parseRange(r string, size int64) (start, end int64, err error) {
	rng, ok := strings.CutPrefix(r, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", r)
	}
	from, to, _ := strings.Cut(rng, "-")
	if start, err = strconv.ParseInt(from, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parse range %q: %w", r, err)
	}
	end = size - 1
	if to != "" {
		if end, err = strconv.ParseInt(to, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("parse range %q: %w", r, err)
		}
	}
	if end > size-1 {
		end = size - 1
	}
	if start > end {
		return 0, 0, APIError("InvalidRange")
	}
	return start, end, nil
}
