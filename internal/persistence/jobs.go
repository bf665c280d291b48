package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/agentgraph/internal/core"
)

// SaveJob saves or replaces a job snapshot. The full execution record, including
// partial outputs, is stored as JSON next to the columns used for listing.
func (s *SQLiteStore) SaveJob(ctx context.Context, job core.JobExecution) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, domain_id, playbook_id, status, reason, clarification_round, snapshot, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			domain_id = excluded.domain_id,
			playbook_id = excluded.playbook_id,
			status = excluded.status,
			reason = excluded.reason,
			clarification_round = excluded.clarification_round,
			snapshot = excluded.snapshot,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, job.JobID, job.TenantID, job.DomainID, job.PlaybookID, string(job.Status), job.Reason,
		job.ClarificationRound, string(snapshot), formatTime(job.StartedAt), formatTime(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetJob loads a job snapshot. Returns ErrNotFound if the job was never saved.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (core.JobExecution, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM jobs WHERE id = ?`, jobID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return core.JobExecution{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return core.JobExecution{}, fmt.Errorf("failed to query job: %w", err)
	}

	var job core.JobExecution
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return core.JobExecution{}, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the most recently started jobs first. A limit <= 0 returns all.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain_id, playbook_id, status, reason, started_at, finished_at
		FROM jobs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []JobSummary{}
	for rows.Next() {
		var (
			j                 JobSummary
			status            string
			started, finished string
		)
		if err := rows.Scan(&j.JobID, &j.DomainID, &j.PlaybookID, &status, &j.Reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Status = core.JobStatus(status)
		if j.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("job %s: bad started_at: %w", j.JobID, err)
		}
		if j.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("job %s: bad finished_at: %w", j.JobID, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}
