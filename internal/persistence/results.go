package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/agentgraph/internal/synth"
)

// SaveResult stores the final document for a job. Saving again for the same job
// replaces the previous document, so a retried persist is harmless.
func (s *SQLiteStore) SaveResult(ctx context.Context, jobID string, doc synth.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %s: %w", jobID, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (job_id, document, partial, needs_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(job_id) DO UPDATE SET
			document = excluded.document,
			partial = excluded.partial,
			needs_review = excluded.needs_review,
			updated_at = CURRENT_TIMESTAMP
	`, jobID, string(body), doc.Partial, doc.NeedsReview)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetResult loads the final document for a job.
func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (synth.Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM results WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return synth.Document{}, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return synth.Document{}, fmt.Errorf("failed to query result: %w", err)
	}

	var doc synth.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return synth.Document{}, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
	}
	return doc, nil
}
