// Package persistence stores job snapshots, synthesized results and the agent
// status event log in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/synth"
)

// ErrNotFound is returned when a job or result does not exist.
var ErrNotFound = errors.New("not found")

// queryTimeout bounds every statement.
const queryTimeout = 5 * time.Second

// JobSummary is one row of ListJobs.
type JobSummary struct {
	JobID      string         `json:"job_id"`
	DomainID   string         `json:"domain_id"`
	PlaybookID string         `json:"playbook_id"`
	Status     core.JobStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// Store defines the persistence interface used by the orchestrator.
type Store interface {
	// Final documents, one per job. Saving twice replaces the first.
	SaveResult(ctx context.Context, jobID string, doc synth.Document) error
	GetResult(ctx context.Context, jobID string) (synth.Document, error)

	// Job snapshots for diagnostics, including partial outputs of failed jobs.
	SaveJob(ctx context.Context, job core.JobExecution) error
	GetJob(ctx context.Context, jobID string) (core.JobExecution, error)
	ListJobs(ctx context.Context, limit int) ([]JobSummary, error)

	// Append-only agent status log.
	RecordStatus(ctx context.Context, ev core.StatusEvent) error
	ListStatus(ctx context.Context, jobID string) ([]core.StatusEvent, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store gets
// its own named database, shared between that store's connections only.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores pragmas in the connection string for some builds
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Status events arrive from many agent goroutines; two connections let a
	// reader proceed while a writer holds the lock.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
