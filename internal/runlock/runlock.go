// Package runlock keeps a second process from ingesting into the same
// database. The lock is an advisory flock on <db>.lock that the kernel
// releases when the process exits, so a crash never leaves it held.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("database is locked by another process")

// Owner describes the process holding the lock.
type Owner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// Lock is a held run lock.
type Lock struct {
	f    *os.File
	path string
}

// PathFor returns the lock file path of a database.
func PathFor(dbPath string) string {
	return dbPath + ".lock"
}

// Acquire takes the lock for dbPath without blocking.
func Acquire(dbPath string) (*Lock, error) {
	path := PathFor(dbPath)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			if owner, rerr := ReadOwner(dbPath); rerr == nil && owner.PID > 0 {
				return nil, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
					ErrLocked, dbPath, owner.PID, owner.CreatedAt, owner.Hostname)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, dbPath)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	owner := Owner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, err := json.Marshal(owner)
	if err == nil {
		err = f.Truncate(0)
	}
	if err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write lock owner %s: %w", path, err)
	}

	return &Lock{f: f, path: path}, nil
}

// ReadOwner returns the owner recorded in the lock file of dbPath.
func ReadOwner(dbPath string) (Owner, error) {
	data, err := os.ReadFile(PathFor(dbPath))
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, fmt.Errorf("parse lock owner: %w", err)
	}
	return o, nil
}

// Release drops the lock. The file stays; it is reused by the next Acquire.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
