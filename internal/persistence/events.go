package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
)

// RecordStatus appends one agent status event to the job's log.
func (s *SQLiteStore) RecordStatus(ctx context.Context, ev core.StatusEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_events (job_id, agent_id, state, message, confidence, attempt, round, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.JobID, ev.AgentID, string(ev.State), ev.Message, ev.Confidence, ev.Attempt, ev.Round, formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert status event: %w", err)
	}
	return nil
}

// ListStatus returns a job's status events in the order they were recorded.
// Returns an empty slice for unknown jobs.
func (s *SQLiteStore) ListStatus(ctx context.Context, jobID string) ([]core.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, agent_id, state, message, confidence, attempt, round, ts
		FROM status_events
		WHERE job_id = ?
		ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status events: %w", err)
	}
	defer rows.Close()

	out := []core.StatusEvent{}
	for rows.Next() {
		var (
			ev    core.StatusEvent
			state string
			ts    string
		)
		if err := rows.Scan(&ev.JobID, &ev.AgentID, &state, &ev.Message, &ev.Confidence, &ev.Attempt, &ev.Round, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan status event: %w", err)
		}
		ev.State = core.AgentState(state)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("bad status timestamp %q: %w", ts, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status events: %w", err)
	}
	return out, nil
}

// StatusRecorder returns a sink that appends every agent status event to the
// store. Write failures are logged and otherwise ignored.
func (s *SQLiteStore) StatusRecorder() events.Sink {
	return events.SinkFunc(func(ev events.Event) {
		st, ok := ev.(events.AgentStatusEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		if err := s.RecordStatus(ctx, st.Status); err != nil {
			slog.Error("failed to record status event", "job", st.Status.JobID, "agent", st.Status.AgentID, "error", err)
		}
	})
}
