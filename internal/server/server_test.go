package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/logscan/pkg/job"
	"github.com/eunmann/logscan/pkg/retry"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

var fixture = []string{
	`{"logtime":"2024-01-01 10:00:00","level":"INFO","class":"svcA.ClassX","log":"user login ok"}`,
	`{"logtime":"2024-01-01 10:05:00","level":"ERROR","class":"svcA.ClassX","log":"db timeout node-17"}`,
	`{"logtime":"2024-01-01 10:10:00","level":"INFO","class":"svcB.ClassY","log":"cache warm"}`,
}

func writeFixture(t *testing.T) (root, file string) {
	t.Helper()
	root = t.TempDir()
	dir := filepath.Join(root, "20240101-10")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, l := range fixture {
		fmt.Fprintln(zw, l)
	}
	require.NoError(t, zw.Close())

	file = filepath.Join(dir, "part-0.gz")
	require.NoError(t, os.WriteFile(file, buf.Bytes(), 0o644))
	return root, file
}

func newTestServer(t *testing.T) (*Server, *job.Registry) {
	t.Helper()
	st, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "logs.db")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := job.DefaultConfig()
	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.Source.Retry = fast
	cfg.FileRetry = fast

	reg, err := job.New(st, cfg)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return New(reg, "127.0.0.1:0"), reg
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]string{"status": "healthy"}, decode[map[string]string](t, w))
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "logscan_running_jobs")
	require.Contains(t, w.Body.String(), "logscan_file_retries_total")
}

func TestJobLifecycle(t *testing.T) {
	s, reg := newTestServer(t)
	root, file := writeFixture(t)

	w := do(t, s, http.MethodPost, "/jobs/start", source.Descriptor{FolderPath: root})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[job.Snapshot](t, w)
	require.NotEmpty(t, started.ID)
	require.Equal(t, root, started.FolderPath)
	reg.Wait(started.ID)
	base := "/jobs/" + started.ID

	w = do(t, s, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[job.Snapshot](t, w)
	require.Equal(t, store.StatusCompleted, snap.Status)
	require.Equal(t, 1, snap.FilesProcessed)
	require.Equal(t, 1, snap.TotalFiles)

	w = do(t, s, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]job.Snapshot](t, w), 1)

	w = do(t, s, http.MethodGet, base+"/processed_files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	processed := decode[struct {
		JobID string   `json:"job_id"`
		Files []string `json:"processed_files"`
	}](t, w)
	require.Equal(t, started.ID, processed.JobID)
	require.Equal(t, []string{file}, processed.Files)

	w = do(t, s, http.MethodGet, base+"/summary/class", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[
		{"class":"ClassX","level":"ERROR","count":1},
		{"class":"ClassX","level":"INFO","count":1},
		{"class":"ClassY","level":"INFO","count":1}
	]`, w.Body.String())

	w = do(t, s, http.MethodGet, base+"/summary/class_service", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[
		{"class":"ClassX","service":"svcA","count":2},
		{"class":"ClassY","service":"svcB","count":1}
	]`, w.Body.String())

	w = do(t, s, http.MethodGet, base+"/metadata", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, store.Distinct{Classes: []string{"ClassX", "ClassY"}, Services: []string{"svcA", "svcB"}},
		decode[store.Distinct](t, w))

	w = do(t, s, http.MethodGet, base+"/date_range", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, job.DateRange{Start: "20240101-10", End: "20240101-10"}, decode[job.DateRange](t, w))

	w = do(t, s, http.MethodGet, base+"/logs?by=class&name=ClassX&level=ERROR", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[store.LogPage](t, w)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, "db timeout node-17", page.Logs[0].Message)

	w = do(t, s, http.MethodGet, base+`/logs?by=service&name=svcA&regex=true&q=node-%5Cd%2B%24`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[store.LogPage](t, w).Total)

	w = do(t, s, http.MethodGet, base+"/logs?name=ClassX&per_page=1&page=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[store.LogPage](t, w)
	require.EqualValues(t, 2, page.Total)
	require.Len(t, page.Logs, 1)
	require.Equal(t, "db timeout node-17", page.Logs[0].Message)

	w = do(t, s, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, base+"/delete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Job deleted successfully", decode[map[string]string](t, w)["status"])

	w = do(t, s, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodPost, base+"/delete", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestErrors(t *testing.T) {
	s, reg := newTestServer(t)
	root, _ := writeFixture(t)
	snap, err := reg.Start(context.Background(), source.Descriptor{FolderPath: root})
	require.NoError(t, err)
	reg.Wait(snap.ID)
	base := "/jobs/" + snap.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty descriptor", http.MethodPost, "/jobs/start", map[string]string{}, http.StatusBadRequest},
		{"both forms", http.MethodPost, "/jobs/start", source.Descriptor{
			FolderPath: root, CustomerFolder: "acme", StartDatetime: "20240101-10", EndDatetime: "20240101-11",
		}, http.StatusBadRequest},
		{"reversed range", http.MethodPost, "/jobs/start", source.Descriptor{
			CustomerFolder: "acme", StartDatetime: "20240101-12", EndDatetime: "20240101-11",
		}, http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/jobs/nope/status", nil, http.StatusNotFound},
		{"unknown pause", http.MethodPost, "/jobs/nope/pause", nil, http.StatusNotFound},
		{"unknown files", http.MethodGet, "/jobs/nope/processed_files", nil, http.StatusNotFound},
		{"unknown summary", http.MethodGet, "/jobs/nope/summary/class", nil, http.StatusNotFound},
		{"bad dimension", http.MethodGet, base + "/summary/host", nil, http.StatusBadRequest},
		{"unknown logs", http.MethodGet, "/jobs/nope/logs?name=ClassX", nil, http.StatusNotFound},
		{"missing name", http.MethodGet, base + "/logs", nil, http.StatusBadRequest},
		{"bad by", http.MethodGet, base + "/logs?by=host&name=x", nil, http.StatusBadRequest},
		{"zero per_page", http.MethodGet, base + "/logs?name=ClassX&per_page=0", nil, http.StatusBadRequest},
		{"huge per_page", http.MethodGet, base + "/logs?name=ClassX&per_page=100001", nil, http.StatusBadRequest},
		{"bad regex flag", http.MethodGet, base + "/logs?name=ClassX&regex=maybe", nil, http.StatusBadRequest},
		{"bad regex", http.MethodGet, base + "/logs?name=ClassX&regex=1&q=%28", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			require.NotEmpty(t, decode[map[string]string](t, w)["detail"])
		})
	}
}

func TestStartMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/jobs/start", strings.NewReader("{"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", source.ErrConfiguration), http.StatusBadRequest},
		{job.ErrMissingParameters, http.StatusBadRequest},
		{fmt.Errorf("x: %w", store.ErrInvalidQuery), http.StatusBadRequest},
		{fmt.Errorf("x: %w", job.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", store.ErrJobNotFound), http.StatusNotFound},
		{job.ErrNotRunning, http.StatusBadRequest},
		{job.ErrNotPaused, http.StatusBadRequest},
		{job.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
