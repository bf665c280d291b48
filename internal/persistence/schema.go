package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		domain_id TEXT NOT NULL,
		playbook_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		clarification_round INTEGER NOT NULL DEFAULT 0,
		snapshot TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at);

	CREATE TABLE IF NOT EXISTS results (
		job_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		partial INTEGER NOT NULL,
		needs_review INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS status_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		state TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		round INTEGER NOT NULL DEFAULT 0,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_status_events_job ON status_events(job_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
