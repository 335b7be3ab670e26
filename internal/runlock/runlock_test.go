//go:build unix

package runlock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	db := filepath.Join(t.TempDir(), "logs.db")

	first, err := Acquire(db)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	owner, err := ReadOwner(db)
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", owner.PID, os.Getpid())
	}

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	if _, err := Acquire(db); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := Acquire(db)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again.Release()
}
