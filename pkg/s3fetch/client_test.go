package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/s3fetch/s3mem"
)

func newTestClient(t *testing.T) (*Client, *s3mem.Store) {
	t.Helper()
	store := s3mem.New()
	store.Put("logs", "acme/20240101-10/a.log.gz", []byte("a"))
	store.Put("logs", "acme/20240101-10/b.log.gz", []byte("b"))
	store.Put("logs", "acme/20240101-10/notes.txt", []byte("n"))
	store.Put("logs", "acme/20240101-11/c.log.gz", []byte("c"))
	store.Put("logs", "other/20240101-10/x.log.gz", []byte("x"))
	return NewClientWithAPI(store), store
}

func TestFolderExists(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		folder string
		want   bool
	}{
		{"acme", true},
		{"other", true},
		{"missing", false},
		{"acm", false},
	}
	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			got, err := c.FolderExists(ctx, "logs", tt.folder)
			if err != nil {
				t.Fatalf("FolderExists: %v", err)
			}
			if got != tt.want {
				t.Errorf("FolderExists(%q) = %v, want %v", tt.folder, got, tt.want)
			}
		})
	}
}

func TestFolderExists_NoSuchBucketIsPermanent(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.FolderExists(context.Background(), "nope", "acme")
	if err == nil {
		t.Fatal("expected error")
	}
	if !retry.IsPermanent(err) {
		t.Errorf("NoSuchBucket should be permanent: %v", err)
	}
}

func TestListKeys_Paginates(t *testing.T) {
	c, store := newTestClient(t)
	store.PageSize = 1

	keys, err := c.ListKeys(context.Background(), "logs", "acme/20240101-10/", func(k string) bool {
		return strings.HasSuffix(k, ".gz")
	})
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}

	want := []string{"acme/20240101-10/a.log.gz", "acme/20240101-10/b.log.gz"}
	if !slices.Equal(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}
	if list, _ := store.Calls(); list != 3 {
		t.Errorf("list calls = %d, want 3", list)
	}
}

func TestListKeys_EmptyPrefix(t *testing.T) {
	c, _ := newTestClient(t)

	keys, err := c.ListKeys(context.Background(), "logs", "acme/20240102-00/", nil)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestStreamObject(t *testing.T) {
	c, _ := newTestClient(t)

	rc, err := c.StreamObject(context.Background(), "logs", "acme/20240101-11/c.log.gz")
	if err != nil {
		t.Fatalf("StreamObject: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "c" {
		t.Errorf("body = %q, want %q", data, "c")
	}

	_, err = c.StreamObject(context.Background(), "logs", "acme/missing.gz")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key error = %v, want ErrNotFound", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
		wantNotFound  bool
	}{
		{"access denied", s3mem.APIError("AccessDenied"), true, false},
		{"no such bucket", s3mem.APIError("NoSuchBucket"), true, false},
		{"bad signature", s3mem.APIError("SignatureDoesNotMatch"), true, false},
		{"no such key", s3mem.APIError("NoSuchKey"), true, true},
		{"slow down", s3mem.APIError("SlowDown"), false, false},
		{"internal", s3mem.APIError("InternalError"), false, false},
		{"plain", errors.New("connection reset"), false, false},
		{"wrapped", fmt.Errorf("op: %w", s3mem.APIError("AccessDenied")), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			if got := retry.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.wantPermanent)
			}
			if got := errors.Is(err, ErrNotFound); got != tt.wantNotFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v", got, tt.wantNotFound)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error must wrap the original")
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}
