// Package store persists jobs, raw log rows, per-job metadata, and the four
// summary rollups in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eunmann/logscan/pkg/logging"
)

// driverName is go-sqlite3 with a regexp() function so REGEXP works in queries.
const driverName = "sqlite3_logscan"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

var regexCache sync.Map

// regexpMatch implements "value REGEXP pattern", which SQLite calls as
// regexp(pattern, value).
func regexpMatch(pattern, value string) (bool, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(value), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	regexCache.Store(pattern, re)
	return re.MatchString(value), nil
}

// TimeLayout is the layout of start_time and last_updated.
const TimeLayout = "2006-01-02 15:04:05"

// ErrJobNotFound is returned when the job row does not exist.
var ErrJobNotFound = errors.New("job not found")

// now is replaced in tests.
var now = time.Now

func timestamp() string {
	return now().Format(TimeLayout)
}

// Config holds configuration for the store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
	// Synchronous sets the SQLite synchronous pragma.
	// "NORMAL" is the default (safe in WAL mode).
	// "OFF" for maximum speed (unsafe on power loss).
	// "FULL" for maximum safety.
	Synchronous string
	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration
	// CacheSizeKB is the page cache size per connection in KB.
	CacheSizeKB int
	// StageDir holds the scratch databases of files being ingested.
	// Empty means the directory of DBPath.
	StageDir string
}

// DefaultConfig returns a default configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:      dbPath,
		Synchronous: "NORMAL",
		BusyTimeout: 30 * time.Second,
		CacheSizeKB: 20000,
	}
}

// Validate checks configuration values and returns an error for invalid settings.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DBPath is required")
	}
	switch c.Synchronous {
	case "", "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid Synchronous value %q: must be OFF, NORMAL, or FULL", c.Synchronous)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("BusyTimeout must be non-negative, got %s", c.BusyTimeout)
	}
	if c.CacheSizeKB < 0 {
		return fmt.Errorf("CacheSizeKB must be non-negative, got %d", c.CacheSizeKB)
	}
	return nil
}

// dsn carries per-connection pragmas as go-sqlite3 DSN parameters so every
// pooled connection gets them.
func (c *Config) dsn() string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	if c.Synchronous != "" {
		params.Set("_synchronous", c.Synchronous)
	}
	if c.CacheSizeKB > 0 {
		params.Set("_cache_size", "-"+strconv.Itoa(c.CacheSizeKB))
	}
	return c.DBPath + "?" + params.Encode()
}

func (c *Config) stageDir() string {
	if c.StageDir != "" {
		return c.StageDir
	}
	return filepath.Dir(c.DBPath)
}

// stagePrefix is the file name prefix of scratch databases.
func (c *Config) stagePrefix() string {
	return filepath.Base(c.DBPath) + ".stage-"
}

// Store is the durable job store.
type Store struct {
	db  *sql.DB
	cfg Config

	// writeSem serializes write transactions across jobs. It is held only
	// for the duration of one short transaction.
	writeSem chan struct{}
}

// Open creates or opens the database and its schema.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logging.WithPhase("store_open")

	db, err := sql.Open(driverName, cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().
		Str("db_path", cfg.DBPath).
		Str("synchronous", cfg.Synchronous).
		Msg("opened job store")

	return &Store{db: db, cfg: cfg, writeSem: make(chan struct{}, 1)}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CleanupStages removes scratch databases left by a process that died
// mid-file. Call it only while holding the database run lock.
func (s *Store) CleanupStages() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.stageDir(), s.cfg.stagePrefix()+"*"))
	if err != nil {
		return 0, fmt.Errorf("glob stage files: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove stage file %s: %w", m, err)
		}
	}
	return len(matches), nil
}

// lock takes the write lock or gives up when ctx is done.
func (s *Store) lock(ctx context.Context) error {
	select {
	case s.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for write lock: %w", ctx.Err())
	}
}

func (s *Store) unlock() {
	<-s.writeSem
}

// write runs fn in a transaction under the write lock.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
