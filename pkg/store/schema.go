package store

import (
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		folder_path TEXT,
		status TEXT,
		files_processed INTEGER,
		total_files INTEGER,
		start_time TEXT,
		last_updated TEXT,
		current_file TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		timestamp TEXT,
		level TEXT,
		class TEXT,
		service TEXT,
		log_message TEXT,
		folder TEXT,
		file_name TEXT,
		line_idx INTEGER,
		FOREIGN KEY (job_id) REFERENCES jobs (job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS job_metadata (
		job_id TEXT,
		type TEXT,
		value TEXT,
		UNIQUE(job_id, type, value)
	)`,
	`CREATE TABLE IF NOT EXISTS class_level_counts (
		job_id TEXT,
		class TEXT,
		level TEXT,
		count INTEGER,
		PRIMARY KEY (job_id, class, level)
	)`,
	`CREATE TABLE IF NOT EXISTS service_level_counts (
		job_id TEXT,
		service TEXT,
		level TEXT,
		count INTEGER,
		PRIMARY KEY (job_id, service, level)
	)`,
	`CREATE TABLE IF NOT EXISTS timeline_counts (
		job_id TEXT,
		hour TEXT,
		level TEXT,
		count INTEGER,
		PRIMARY KEY (job_id, hour, level)
	)`,
	`CREATE TABLE IF NOT EXISTS class_service_counts (
		job_id TEXT,
		class TEXT,
		service TEXT,
		count INTEGER,
		PRIMARY KEY (job_id, class, service)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_job_id ON logs (job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_job_id_class_level ON logs (job_id, class, level)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_job_id_service_level ON logs (job_id, service, level)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_job_id_class_timestamp_level ON logs (job_id, class, timestamp, level)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_job_id_service_timestamp_level ON logs (job_id, service, timestamp, level)`,
	`CREATE INDEX IF NOT EXISTS idx_job_metadata_job_id_type ON job_metadata (job_id, type)`,
}

// jobTables lists every table holding rows owned by a job.
var jobTables = []string{
	"logs",
	"job_metadata",
	"class_level_counts",
	"service_level_counts",
	"timeline_counts",
	"class_service_counts",
	"jobs",
}

func createSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
