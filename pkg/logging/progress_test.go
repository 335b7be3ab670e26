package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestProgressTracker_BasicOperations(t *testing.T) {
	pt := NewProgressTracker(10)

	pt.RecordFile(100*time.Millisecond, 500)
	pt.RecordFile(150*time.Millisecond, 250)
	pt.RecordSkip()

	completed, skipped, total := pt.Progress()
	if completed != 2 || skipped != 1 || total != 10 {
		t.Errorf("Progress() = (%d, %d, %d), want (2, 1, 10)", completed, skipped, total)
	}
	if pct := pt.ProgressPct(); pct != 30.0 {
		t.Errorf("expected progress 30%%, got %.1f%%", pct)
	}
	if remaining := pt.Remaining(); remaining != 7 {
		t.Errorf("expected remaining=7, got %d", remaining)
	}
}

func TestProgressTracker_ETA(t *testing.T) {
	pt := NewProgressTracker(5)
	if eta := pt.ETA(); eta != 0 {
		t.Errorf("ETA before any completion = %s, want 0", eta)
	}

	pt.RecordFile(time.Second, 1)
	pt.RecordFile(3*time.Second, 1)

	// average 2s, 3 files remaining
	if eta := pt.ETA(); eta != 6*time.Second {
		t.Errorf("ETA = %s, want 6s", eta)
	}
}

func TestProgressTracker_ZeroTotal(t *testing.T) {
	pt := NewProgressTracker(0)
	if pct := pt.ProgressPct(); pct != 100.0 {
		t.Errorf("expected 100%% for empty job, got %.1f%%", pct)
	}
	if eta := pt.ETA(); eta != 0 {
		t.Errorf("expected zero ETA, got %s", eta)
	}
}

func TestProgressTracker_MovingWindow(t *testing.T) {
	pt := NewProgressTracker(100)
	for i := 0; i < 20; i++ {
		pt.RecordFile(time.Hour, 1)
	}
	for i := 0; i < 10; i++ {
		pt.RecordFile(time.Second, 1)
	}

	// only the last 10 durations count
	if eta := pt.ETA(); eta != 70*time.Second {
		t.Errorf("ETA = %s, want 70s", eta)
	}
}

func TestProgressTracker_Log(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	pt := NewProgressTracker(4)
	pt.RecordFile(time.Second, 42)
	pt.RecordSkip()
	pt.Log(log, "ingestion progress")

	out := buf.String()
	for _, want := range []string{
		`"event":"job_progress"`,
		`"files_completed":1`,
		`"files_skipped":1`,
		`"files_total":4`,
		`"records":42`,
		`"progress_pct":50`,
		`"eta_ms":2000`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output, got: %s", want, out)
		}
	}
}

func TestProgressTracker_MaybeLogRateLimited(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	pt := NewProgressTracker(1)
	if pt.MaybeLog(log) {
		t.Error("MaybeLog emitted before the interval elapsed")
	}

	pt.lastLog = time.Now().Add(-ProgressInterval)
	if !pt.MaybeLog(log) {
		t.Error("MaybeLog did not emit after the interval elapsed")
	}
	if buf.Len() == 0 {
		t.Error("expected log output")
	}
}
