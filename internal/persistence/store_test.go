package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/synth"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testJob(id string, started time.Time) core.JobExecution {
	ctx := core.NewJobContext(core.Output{"report": "disk full"})
	ctx.Set("extract", core.AgentOutput{Output: core.Output{"title": "disk"}, Confidence: 0.9})
	return core.JobExecution{
		JobID:      id,
		DomainID:   "incidents",
		PlaybookID: "triage",
		Status:     core.JobFailed,
		Phase:      "done",
		Reason:     core.ReasonTimeout,
		Batches:    [][]string{{"extract"}, {"notify"}},
		Agents: map[string]core.AgentRunStatus{
			"extract": {AgentID: "extract", State: core.StateComplete, Confidence: 0.9},
			"notify":  {AgentID: "notify", State: core.StateError, Message: core.ReasonCancelled},
		},
		Context:    ctx,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
}

func TestSaveAndGetJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := testJob("job-1", t0)
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != core.JobFailed || got.Reason != core.ReasonTimeout {
		t.Errorf("status = %s/%q, want failed/timeout", got.Status, got.Reason)
	}
	// Partial outputs survive for diagnostics.
	if got.Context == nil || got.Context.Outputs["extract"].Output["title"] != "disk" {
		t.Errorf("partial output not persisted: %+v", got.Context)
	}
	if got.Agents["notify"].State != core.StateError {
		t.Errorf("notify state = %s, want error", got.Agents["notify"].State)
	}
	if !got.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, t0)
	}
}

func TestSaveJobUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := testJob("job-1", t0)
	job.Status = core.JobRunning
	job.Reason = ""
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatalf("first SaveJob failed: %v", err)
	}
	job.Status = core.JobCompleted
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatalf("second SaveJob failed: %v", err)
	}

	jobs, err := store.ListJobs(ctx, 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after upsert, got %d", len(jobs))
	}
	if jobs[0].Status != core.JobCompleted {
		t.Errorf("status = %s, want completed", jobs[0].Status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		if err := store.SaveJob(ctx, testJob(id, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveJob(%s) failed: %v", id, err)
		}
	}

	jobs, err := store.ListJobs(ctx, 2)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "new" || jobs[1].JobID != "mid" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
	if jobs[0].FinishedAt.IsZero() {
		t.Error("FinishedAt not parsed")
	}
}

func TestListJobsEmpty(t *testing.T) {
	store := testStore(t)
	jobs, err := store.ListJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", jobs)
	}
}

func TestSaveResultIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	doc := synth.Synthesize(synth.Synthesis{
		JobID:      "job-1",
		PlaybookID: "triage",
		Outputs:    map[string]core.AgentOutput{"extract": {Output: core.Output{"title": "disk"}, Confidence: 0.95}},
		Statuses:   map[string]core.AgentRunStatus{"extract": {State: core.StateComplete}},
		At:         t0,
	})

	for i := 0; i < 2; i++ {
		if err := store.SaveResult(ctx, "job-1", doc); err != nil {
			t.Fatalf("SaveResult #%d failed: %v", i+1, err)
		}
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE job_id = ?`, "job-1").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 result row, got %d", count)
	}

	got, err := store.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.Outputs["extract"]["title"] != "disk" || got.Confidence["extract"] != 0.95 {
		t.Errorf("unexpected document: %+v", got)
	}
	if got.Partial || got.NeedsReview {
		t.Errorf("flags = partial:%v review:%v, want false/false", got.Partial, got.NeedsReview)
	}
}

func TestGetResultNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetResult(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusRecorderKeepsOrder(t *testing.T) {
	store := testStore(t)
	sink := store.StatusRecorder()

	states := []core.AgentState{core.StateInvoking, core.StateCallingTool, core.StateComplete}
	for i, st := range states {
		sink.Emit(events.AgentStatusEvent{Status: core.StatusEvent{
			JobID: "job-1", AgentID: "extract", State: st, Attempt: 1, Timestamp: t0.Add(time.Duration(i) * time.Millisecond),
		}})
	}
	// Non-status events are ignored.
	sink.Emit(events.JobEvent{Type: events.EventTypeJobStarted, Job: "job-1"})

	got, err := store.ListStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ListStatus failed: %v", err)
	}
	if len(got) != len(states) {
		t.Fatalf("expected %d events, got %d", len(states), len(got))
	}
	for i, st := range states {
		if got[i].State != st {
			t.Errorf("event %d = %s, want %s", i, got[i].State, st)
		}
	}
	if !got[2].Timestamp.Equal(t0.Add(2 * time.Millisecond)) {
		t.Errorf("timestamp not round-tripped: %v", got[2].Timestamp)
	}
}

func TestRecordStatusConcurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev := core.StatusEvent{JobID: "job-1", AgentID: "a", State: core.StateInvoking, Attempt: n + 1, Timestamp: t0}
			if err := store.RecordStatus(ctx, ev); err != nil {
				t.Errorf("RecordStatus failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.ListStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListStatus failed: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("expected 10 events, got %d", len(got))
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.SaveJob(ctx, testJob("job-1", t0)); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	if _, err := b.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job leaked between memory stores: %v", err)
	}
}

func TestFileStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "agentgraph.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SaveJob(ctx, testJob("job-1", t0)); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetJob(ctx, "job-1"); err != nil {
		t.Errorf("GetJob after reopen failed: %v", err)
	}
}
