package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/logscan/pkg/record"
	"github.com/eunmann/logscan/pkg/store"
)

func seedJob(t *testing.T, s *store.Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateJob(ctx, store.Job{ID: id, FolderPath: "/logs", Status: store.StatusRunning}, store.JobParams{}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ftx, err := s.BeginFile(ctx, id, "/logs/a.gz")
	if err != nil {
		t.Fatalf("BeginFile: %v", err)
	}
	defer ftx.Rollback()

	rows := make([]store.LogRow, n)
	for i := range rows {
		rows[i] = store.LogRow{
			Record: record.Record{
				Timestamp: "2024-01-01 10:00:00",
				Level:     "INFO",
				Class:     "ClassX",
				Service:   "svcA",
				Message:   fmt.Sprintf("message %d", i),
			},
			Folder:   "/logs",
			FileName: "a.gz",
			LineIdx:  i,
		}
	}
	if err := ftx.InsertLogs(ctx, rows); err != nil {
		t.Fatalf("InsertLogs: %v", err)
	}
	if err := ftx.MarkDone(ctx, 1); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := ftx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestParquet(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.DefaultConfig(filepath.Join(dir, "logs.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	const n = 2500 // spans several writer buffers
	seedJob(t, s, "j", n)

	out := filepath.Join(dir, "out", "j.parquet")
	res, err := Parquet(context.Background(), s, "j", out)
	if err != nil {
		t.Fatalf("Parquet: %v", err)
	}
	if res.Rows != n || res.Bytes == 0 {
		t.Errorf("result = %+v", res)
	}

	rows, err := parquet.ReadFile[Row](out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("read %d rows, want %d", len(rows), n)
	}
	for i, r := range rows {
		if r.LineIdx != int64(i) || r.Message != fmt.Sprintf("message %d", i) {
			t.Fatalf("row %d = %+v", i, r)
		}
	}
	if rows[0].Class != "ClassX" || rows[0].Service != "svcA" || rows[0].FileName != "a.gz" {
		t.Errorf("first row = %+v", rows[0])
	}
}

func TestParquet_UnknownJob(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.DefaultConfig(filepath.Join(dir, "logs.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = Parquet(context.Background(), s, "missing", filepath.Join(dir, "x.parquet"))
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
