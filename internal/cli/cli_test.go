package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/eunmann/logscan/pkg/job"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := RunContext(context.Background(), args, &out)
	return out.String(), err
}

func writeLogs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "20240101-10")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for i := 0; i < 10; i++ {
		fmt.Fprintf(zw, `{"logtime":"2024-01-01 10:%02d:00","level":"INFO","class":"svcA.ClassX","log":"line %d"}`+"\n", i, i)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.gz"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRunUnknownCommand(t *testing.T) {
	_, err := run(t, "unknown")
	if err == nil {
		t.Fatal("expected error with unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got: %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.DB.Path != "logscan.db" {
		t.Errorf("db.path = %q", cfg.DB.Path)
	}
	if cfg.Ingest.BatchSize != 500 {
		t.Errorf("ingest.batch_size = %d, want 500", cfg.Ingest.BatchSize)
	}
	if cfg.Bucket.Name != source.DefaultBucket {
		t.Errorf("bucket.name = %q", cfg.Bucket.Name)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if !cfg.Ingest.ResumeInterrupted {
		t.Error("ingest.resume_interrupted should default to true")
	}

	jc := cfg.jobConfig(nil)
	if jc.Source.Retrieval != source.RetrievalStream {
		t.Errorf("retrieval = %q", jc.Source.Retrieval)
	}
	if sc := cfg.storeConfig(); sc.BusyTimeout != 30*time.Second || sc.Synchronous != "NORMAL" {
		t.Errorf("store config = %+v", sc)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logscan.yaml")
	yaml := `
db:
  path: /var/lib/logscan/logs.db
  synchronous: full
ingest:
  batch_size: 100
  levels: [INFO, ERROR]
retry:
  base_delay: 2s
bucket:
  retrieval: download
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOGSCAN_INGEST_BATCH_SIZE", "7")

	cfg, err := loadConfig(newViper(), path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.DB.Path != "/var/lib/logscan/logs.db" {
		t.Errorf("db.path = %q", cfg.DB.Path)
	}
	if cfg.Ingest.BatchSize != 7 {
		t.Errorf("env should override file: batch_size = %d", cfg.Ingest.BatchSize)
	}
	if len(cfg.Ingest.Levels) != 2 || cfg.Ingest.Levels[1] != "ERROR" {
		t.Errorf("levels = %v", cfg.Ingest.Levels)
	}
	if cfg.Retry.BaseDelay != 2*time.Second {
		t.Errorf("retry.base_delay = %s", cfg.Retry.BaseDelay)
	}
	if got := cfg.storeConfig().Synchronous; got != "FULL" {
		t.Errorf("synchronous = %q, want FULL", got)
	}
	if got := cfg.jobConfig(nil).Source.Retrieval; got != source.RetrievalDownload {
		t.Errorf("retrieval = %q", got)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"synchronous", "db:\n  synchronous: sometimes\n", "Synchronous"},
		{"retrieval", "bucket:\n  retrieval: carrier-pigeon\n", "retrieval"},
		{"batch size", "ingest:\n  batch_size: 0\n", "batch"},
		{"retry attempts", "retry:\n  max_attempts: 0\n", "retry"},
		{"pattern", "ingest:\n  patterns: ['[']\n", "pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logscan.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := loadConfig(newViper(), path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.want)) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestIngestRequiresSource(t *testing.T) {
	db := filepath.Join(t.TempDir(), "logs.db")
	_, err := run(t, "ingest", "--db", db)
	if !errors.Is(err, source.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestIngestExportAndDelete(t *testing.T) {
	root := writeLogs(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "logs.db")

	out, err := run(t, "ingest", root, "--db", db)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var snap job.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode snapshot: %v\n%s", err, out)
	}
	if snap.Status != store.StatusCompleted || snap.FilesProcessed != 1 || snap.TotalFiles != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	out, err = run(t, "jobs", "list", "--db", db)
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, snap.ID) {
		t.Errorf("jobs list does not mention %s:\n%s", snap.ID, out)
	}

	out, err = run(t, "jobs", "summary", snap.ID, "class", "--db", db)
	if err != nil {
		t.Fatalf("jobs summary: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0]["class"] != "ClassX" || rows[0]["level"] != "INFO" || rows[0]["count"] != float64(10) {
		t.Errorf("summary = %v", rows)
	}

	parquetPath := filepath.Join(dir, "exports", "job.parquet")
	if _, err := run(t, "export", snap.ID, "--db", db, "--out", parquetPath); err != nil {
		t.Fatalf("export: %v", err)
	}
	if info, err := os.Stat(parquetPath); err != nil || info.Size() == 0 {
		t.Fatalf("export output: %v", err)
	}

	if _, err := run(t, "jobs", "delete", snap.ID, "--db", db); err != nil {
		t.Fatalf("jobs delete: %v", err)
	}
	_, err = run(t, "jobs", "summary", snap.ID, "class", "--db", db)
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("summary after delete: err = %v, want ErrJobNotFound", err)
	}
}

func TestSummaryBadDimension(t *testing.T) {
	db := filepath.Join(t.TempDir(), "logs.db")
	_, err := run(t, "jobs", "summary", "x", "host", "--db", db)
	if !errors.Is(err, store.ErrInvalidQuery) {
		t.Errorf("err = %v, want ErrInvalidQuery", err)
	}
}
