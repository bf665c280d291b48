package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/runner"
	"github.com/aristath/agentgraph/internal/scheduler"
	"github.com/aristath/agentgraph/internal/synth"
)

// persistTimeout bounds the final writes, which run even after cancellation.
const persistTimeout = 10 * time.Second

// job is the orchestrator's private state for one run. The job goroutine is the
// only writer of ctx; exec is guarded by mu so GetJobStatus can read it live.
type job struct {
	agents map[string]config.Agent
	edges  []config.Edge
	deps   map[string][]string
	plan   *scheduler.Plan
	ctx    *core.JobContext

	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	exec    core.JobExecution
	doc     synth.Document
	err     error
	aborted bool
}

// state returns an agent's current state.
func (j *job) state(id string) core.AgentState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.exec.Agents[id].State
}

// statusSink applies agent status events to the job record before forwarding
// them, so the execution record and the event stream never disagree.
type statusSink struct {
	j      *job
	next   events.Sink
	logger *slog.Logger
}

func (s statusSink) Emit(ev events.Event) {
	if st, ok := ev.(events.AgentStatusEvent); ok && st.Status.JobID == s.j.exec.JobID {
		s.j.mu.Lock()
		rs, known := s.j.exec.Agents[st.Status.AgentID]
		if known {
			if err := rs.Apply(st.Status); err != nil {
				s.logger.Warn("dropping status event", "job", st.Status.JobID, "agent", st.Status.AgentID, "error", err)
				s.j.mu.Unlock()
				return
			}
			s.j.exec.Agents[st.Status.AgentID] = rs
		}
		s.j.mu.Unlock()
	}
	s.next.Emit(ev)
}

func (o *Orchestrator) execute(ctx context.Context, j *job) {
	defer close(j.done)
	if j.stop != nil {
		defer j.stop()
	}
	log := o.logger.With("job", j.exec.JobID, "playbook", j.exec.PlaybookID)
	sink := statusSink{j: j, next: o.sink, logger: log}
	run := runner.New(o.invoker, sink,
		runner.WithBreakers(o.breakers),
		runner.WithRetry(o.retry),
		runner.WithLogger(o.logger),
		runner.WithClock(o.now),
	)

	// Initial waiting events; the records already start in waiting.
	for _, id := range j.plan.Nodes() {
		o.sink.Emit(events.AgentStatusEvent{Status: core.StatusEvent{
			JobID: j.exec.JobID, AgentID: id, State: core.StateWaiting, Timestamp: o.now(),
		}})
	}

	o.setPhase(j, PhaseRunBatches)
	o.runBatches(ctx, j, run, sink, j.plan, 0)

	var (
		outputs    map[string]core.AgentOutput
		violations []synth.SchemaViolation
		low        []synth.LowConfidenceField
	)
	threshold := o.runtime.ConfidenceThreshold
	if threshold <= 0 {
		threshold = config.DefaultConfidenceThreshold
	}
	for round := 0; ; {
		o.setPhase(j, PhaseAggregate)
		outputs = synth.Aggregate(j.ctx)

		o.setPhase(j, PhaseValidate)
		violations = synth.Validate(outputs, j.agents)
		low = synth.ExtractLowConfidence(outputs, j.agents, threshold)
		affected := synth.AffectedAgents(low, violations)

		if len(affected) == 0 || ctx.Err() != nil || j.aborted {
			break
		}
		if o.clarifier == nil || round >= o.runtime.MaxClarificationRounds {
			log.Info("proceeding with unresolved outputs", "round", round, "agents", affected)
			break
		}

		o.setPhase(j, PhaseClarify)
		req := ClarificationRequest{
			JobID:         j.exec.JobID,
			Round:         round + 1,
			Agents:        affected,
			LowConfidence: low,
			Violations:    violations,
		}
		o.sink.Emit(events.JobEvent{
			Type: events.EventTypeClarificationRequested, Job: j.exec.JobID, Status: core.JobRunning,
			Phase: PhaseClarify, Round: req.Round, Agents: affected, Timestamp: o.now(),
		})
		answers, err := o.clarifier.Clarify(ctx, req)
		if err != nil {
			log.Warn("clarification failed, proceeding", "round", req.Round, "error", err)
			break
		}

		round++
		j.ctx.AddClarifications(answers)
		j.mu.Lock()
		j.exec.ClarificationRound = round
		j.mu.Unlock()

		rerun := o.rearm(j, sink, affected, round)
		o.setPhase(j, PhaseRunBatches)
		o.runBatches(ctx, j, run, sink, j.plan.Restrict(rerun), round)
	}

	status, reason := o.outcome(ctx, j)

	o.setPhase(j, PhaseSynthesize)
	j.mu.RLock()
	statuses := make(map[string]core.AgentRunStatus, len(j.exec.Agents))
	for id, st := range j.exec.Agents {
		statuses[id] = st.Clone()
	}
	round := j.exec.ClarificationRound
	j.mu.RUnlock()
	doc := synth.Synthesize(synth.Synthesis{
		JobID:          j.exec.JobID,
		DomainID:       j.exec.DomainID,
		PlaybookID:     j.exec.PlaybookID,
		Outputs:        outputs,
		Statuses:       statuses,
		LowConfidence:  low,
		Violations:     violations,
		Rounds:         round,
		Clarifications: j.ctx.Clarifications,
		At:             o.now(),
	})

	j.mu.Lock()
	j.doc = doc
	j.exec.Status = status
	j.exec.Reason = reason
	j.exec.Context = j.ctx.Clone()
	j.exec.FinishedAt = o.now()
	j.mu.Unlock()

	if err := o.persist(ctx, j, doc); err != nil {
		log.Error("failed to persist job", "error", err)
		j.mu.Lock()
		j.err = err
		j.exec.Status = core.JobFailed
		j.exec.Reason = fmt.Sprintf("persist: %v", err)
		j.mu.Unlock()
	}

	final := PhaseDone
	if j.exec.Status == core.JobFailed {
		final = PhaseErrored
	}
	o.setPhase(j, final)
	o.emitJob(j, events.EventTypeJobFinished, final)
	log.Info("job finished", "status", j.exec.Status, "reason", j.exec.Reason, "rounds", round)
}

// runBatches executes plan batch by batch. Each batch settles completely before the
// next starts. Agents whose state is no longer waiting are skipped.
func (o *Orchestrator) runBatches(ctx context.Context, j *job, run *runner.AgentRunner, sink events.Sink, plan *scheduler.Plan, round int) {
	for i, batch := range plan.Batches {
		if reason := o.haltReason(ctx, j); reason != "" {
			for _, rest := range plan.Batches[i:] {
				for _, id := range rest {
					o.block(j, sink, id, reason, round)
				}
			}
			return
		}

		runnable := make([]string, 0, len(batch))
		for _, id := range batch {
			if j.state(id) != core.StateWaiting {
				continue
			}
			if failed := j.failedDependency(id); failed != "" {
				o.block(j, sink, id, fmt.Sprintf("dependency %s failed", failed), round)
				continue
			}
			runnable = append(runnable, id)
		}

		o.sink.Emit(events.BatchEvent{
			Job: j.exec.JobID, Index: i, Total: plan.Len(), Round: round, Agents: runnable, Timestamp: o.now(),
		})
		results := o.runBatch(ctx, j, run, runnable, round)

		var completed, failed []string
		for _, res := range results {
			if res.State == core.StateComplete {
				j.ctx.Set(res.AgentID, core.AgentOutput{Output: res.Output, Confidence: res.Confidence})
				completed = append(completed, res.AgentID)
			} else {
				failed = append(failed, res.AgentID)
			}
		}
		j.mu.Lock()
		j.exec.Context = j.ctx.Clone()
		j.mu.Unlock()

		for _, id := range failed {
			for _, dep := range scheduler.Downstream(j.edges, id) {
				o.block(j, sink, dep, fmt.Sprintf("dependency %s failed", id), round)
			}
		}
		if len(failed) > 0 && o.runtime.FailurePolicy == config.PolicyAbort && ctx.Err() == nil {
			j.aborted = true
		}

		o.sink.Emit(events.BatchEvent{
			Job: j.exec.JobID, Index: i, Total: plan.Len(), Round: round, Agents: runnable,
			Settled: true, Completed: len(completed), Failed: len(failed), Timestamp: o.now(),
		})
	}
}

// runBatch invokes every agent concurrently and returns their results in input order.
func (o *Orchestrator) runBatch(ctx context.Context, j *job, run *runner.AgentRunner, ids []string, round int) []runner.Result {
	view := j.ctx.View()
	results := make([]runner.Result, len(ids))

	var g errgroup.Group
	if o.runtime.ConcurrencyLimit > 0 {
		g.SetLimit(o.runtime.ConcurrencyLimit)
	}
	for i, id := range ids {
		req := runner.Request{
			JobID:        j.exec.JobID,
			AgentID:      id,
			Dependencies: j.deps[id],
			View:         view,
			Timeout:      o.agentTimeout(j.agents[id]),
			MaxRetries:   o.maxRetries(j.agents[id]),
			Round:        round,
		}
		g.Go(func() error {
			results[i] = run.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// haltReason reports why no further batch may start, or "" to continue.
func (o *Orchestrator) haltReason(ctx context.Context, j *job) string {
	if ctx.Err() != nil {
		return cancelReason(ctx)
	}
	if j.aborted {
		return core.ReasonAborted
	}
	return ""
}

// block marks a waiting agent blocked. Agents in any other state are left alone.
func (o *Orchestrator) block(j *job, sink events.Sink, id, msg string, round int) {
	if j.state(id) != core.StateWaiting {
		return
	}
	sink.Emit(events.AgentStatusEvent{Status: core.StatusEvent{
		JobID: j.exec.JobID, AgentID: id, State: core.StateBlocked, Message: msg, Round: round, Timestamp: o.now(),
	}})
}

// rearm resets the affected agents and everything downstream of them to waiting
// and drops their outputs, returning the set to re-run.
func (o *Orchestrator) rearm(j *job, sink events.Sink, affected []string, round int) map[string]bool {
	keep := make(map[string]bool, len(affected))
	for _, id := range affected {
		keep[id] = true
	}
	for _, id := range scheduler.Downstream(j.edges, affected...) {
		keep[id] = true
	}
	for _, id := range j.plan.Nodes() {
		if !keep[id] {
			continue
		}
		j.ctx.Delete(id)
		sink.Emit(events.AgentStatusEvent{Status: core.StatusEvent{
			JobID: j.exec.JobID, AgentID: id, State: core.StateWaiting, Message: "clarification", Round: round, Timestamp: o.now(),
		}})
	}
	return keep
}

// failedDependency returns a direct dependency that ended in error or blocked.
func (j *job) failedDependency(id string) string {
	for _, dep := range j.deps[id] {
		if j.state(dep).Failed() {
			return dep
		}
	}
	return ""
}

// outcome decides the job's terminal status.
func (o *Orchestrator) outcome(ctx context.Context, j *job) (core.JobStatus, string) {
	if ctx.Err() != nil {
		return core.JobFailed, cancelReason(ctx)
	}
	if j.aborted {
		return core.JobFailed, core.ReasonAborted
	}
	final := j.plan.Last()
	if len(final) == 0 {
		return core.JobCompleted, ""
	}
	for _, id := range final {
		if !j.state(id).Failed() {
			return core.JobCompleted, ""
		}
	}
	return core.JobFailed, core.ReasonAllFailed
}

func (o *Orchestrator) persist(ctx context.Context, j *job, doc synth.Document) error {
	if o.store == nil {
		return nil
	}
	o.setPhase(j, PhasePersist)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := o.store.SaveResult(pctx, j.exec.JobID, doc); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	j.mu.RLock()
	snapshot := j.exec.Clone()
	j.mu.RUnlock()
	snapshot.Phase = PhaseDone
	if snapshot.Status == core.JobFailed {
		snapshot.Phase = PhaseErrored
	}
	if err := o.store.SaveJob(pctx, snapshot); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (o *Orchestrator) setPhase(j *job, phase string) {
	j.mu.Lock()
	j.exec.Phase = phase
	j.mu.Unlock()
	o.emitJob(j, events.EventTypeJobPhase, phase)
}

func (o *Orchestrator) emitJob(j *job, typ, phase string) {
	j.mu.RLock()
	ev := events.JobEvent{
		Type:       typ,
		Job:        j.exec.JobID,
		DomainID:   j.exec.DomainID,
		PlaybookID: j.exec.PlaybookID,
		Status:     j.exec.Status,
		Phase:      phase,
		Reason:     j.exec.Reason,
		Round:      j.exec.ClarificationRound,
		Timestamp:  o.now(),
	}
	j.mu.RUnlock()
	o.sink.Emit(ev)
}

func (o *Orchestrator) agentTimeout(a config.Agent) time.Duration {
	if a.Timeout > 0 {
		return a.Timeout.Std()
	}
	return o.runtime.AgentTimeout.Std()
}

func (o *Orchestrator) maxRetries(a config.Agent) int {
	if a.MaxRetries != nil {
		return *a.MaxRetries
	}
	return o.runtime.MaxRetries
}

func cancelReason(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), errJobTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.ReasonTimeout
	}
	return core.ReasonCancelled
}
