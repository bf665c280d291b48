// Package orchestrator drives jobs end to end: it resolves a playbook, plans its
// dependency graph into batches, runs each batch concurrently, loops through
// clarification rounds when outputs are weak, then synthesizes and persists the
// final document.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentgraph/internal/agent"
	"github.com/aristath/agentgraph/internal/catalog"
	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/graph"
	"github.com/aristath/agentgraph/internal/persistence"
	"github.com/aristath/agentgraph/internal/runner"
	"github.com/aristath/agentgraph/internal/scheduler"
	"github.com/aristath/agentgraph/internal/synth"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

var (
	errJobCancelled = errors.New("job cancelled")
	errJobTimeout   = errors.New("job deadline exceeded")
)

// Phases of a job, in order. Errored is reachable from any phase.
const (
	PhaseLoadPlaybook = "load_playbook"
	PhaseLoadGraph    = "load_graph"
	PhaseBuildPlan    = "build_plan"
	PhaseRunBatches   = "run_batches"
	PhaseAggregate    = "aggregate"
	PhaseValidate     = "validate"
	PhaseClarify      = "clarify"
	PhaseSynthesize   = "synthesize"
	PhasePersist      = "persist"
	PhaseDone         = "done"
	PhaseErrored      = "errored"
)

// Catalog provides the definitions a job runs against.
type Catalog interface {
	Snapshot() *catalog.Snapshot
}

// ResultStore persists finished jobs. persistence.SQLiteStore satisfies it.
type ResultStore interface {
	SaveResult(ctx context.Context, jobID string, doc synth.Document) error
	SaveJob(ctx context.Context, job core.JobExecution) error
}

// JobArchive reads persisted jobs back once they have been evicted from memory.
// A ResultStore that also implements it serves lookups for evicted jobs.
type JobArchive interface {
	GetJob(ctx context.Context, jobID string) (core.JobExecution, error)
	GetResult(ctx context.Context, jobID string) (synth.Document, error)
}

// DefaultRetainedJobs is how many finished jobs stay in memory.
const DefaultRetainedJobs = 100

// JobRequest asks for one run. PlaybookID, when set, bypasses the domain/class lookup.
type JobRequest struct {
	TenantID   string
	DomainID   string
	Class      config.AgentClass
	PlaybookID string
	Input      core.Output
	Timeout    time.Duration // Overrides the runtime job timeout when > 0
}

// Orchestrator runs jobs. It is safe for concurrent use; each job is driven by
// its own goroutine.
type Orchestrator struct {
	catalog   Catalog
	invoker   agent.Invoker
	sink      events.Sink
	store     ResultStore
	clarifier Clarifier
	runtime   config.RuntimeConfig
	retry     runner.RetryConfig
	breakers  *runner.BreakerRegistry
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	jobs     map[string]*job
	finished []string // oldest first
	retain   int
	wg       sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets where status, batch and job events go.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithStore enables persistence of results and job snapshots.
func WithStore(s ResultStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithClarifier enables clarification rounds. Without one, jobs with weak
// outputs go straight to synthesis flagged for review.
func WithClarifier(c Clarifier) Option {
	return func(o *Orchestrator) { o.clarifier = c }
}

// WithRuntime sets the execution settings.
func WithRuntime(rc config.RuntimeConfig) Option {
	return func(o *Orchestrator) { o.runtime = rc }
}

// WithRetry overrides the backoff schedule between agent attempts.
func WithRetry(c runner.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = c }
}

// WithBreakerSettings overrides the per-agent circuit breaker tuning.
func WithBreakerSettings(s runner.BreakerSettings) Option {
	return func(o *Orchestrator) { o.breakers = runner.NewBreakerRegistry(s) }
}

// WithRetainedJobs sets how many finished jobs stay in memory. Older ones are
// evicted and, with a store that implements JobArchive, read back from it.
func WithRetainedJobs(n int) Option {
	return func(o *Orchestrator) { o.retain = max(n, 0) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(cat Catalog, invoker agent.Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:  cat,
		invoker:  invoker,
		sink:     events.Discard,
		runtime:  config.DefaultConfig().Runtime,
		retry:    runner.DefaultRetryConfig(),
		breakers: runner.NewBreakerRegistry(runner.DefaultBreakerSettings()),
		logger:   slog.Default(),
		now:      time.Now,
		jobs:     make(map[string]*job),
		retain:   DefaultRetainedJobs,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = events.Discard
	}
	return o
}

// StartJob validates and plans the job synchronously, then executes it in the
// background. Graph and lookup errors are returned here; a job that starts always
// has a valid plan.
func (o *Orchestrator) StartJob(ctx context.Context, req JobRequest) (string, error) {
	j, err := o.start(ctx, req)
	if err != nil {
		return "", err
	}
	return j.exec.JobID, nil
}

func (o *Orchestrator) start(ctx context.Context, req JobRequest) (*job, error) {
	j, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.runtime.JobTimeout.Std()
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	if timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, timeout, errJobTimeout)
		j.stop = stop
	}
	j.cancel = cancel

	o.mu.Lock()
	o.jobs[j.exec.JobID] = j
	o.mu.Unlock()

	o.emitJob(j, events.EventTypeJobStarted, "")
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.retire(j.exec.JobID)
		o.execute(runCtx, j)
	}()
	return j, nil
}

// retire records a finished job and evicts the oldest ones beyond the retention
// limit.
func (o *Orchestrator) retire(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, jobID)
	for len(o.finished) > o.retain {
		delete(o.jobs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// prepare runs LoadPlaybook, LoadGraph and BuildPlan.
func (o *Orchestrator) prepare(req JobRequest) (*job, error) {
	snap := o.catalog.Snapshot()

	var (
		pb  config.Playbook
		err error
	)
	if req.PlaybookID != "" {
		pb, err = snap.GetPlaybook(req.PlaybookID)
	} else {
		pb, err = snap.FindPlaybook(req.DomainID, req.Class)
	}
	if err != nil {
		return nil, fmt.Errorf("load playbook: %w", err)
	}

	agents := snap.Agents()
	g := graph.EffectiveGraph(pb, agents)
	if err := graph.ValidateGraph(g, pb.Class, agents); err != nil {
		return nil, fmt.Errorf("playbook %q: %w", pb.ID, err)
	}

	plan, err := scheduler.BuildPlan(g.Nodes, g.Edges)
	if err != nil {
		return nil, fmt.Errorf("playbook %q: build plan: %w", pb.ID, err)
	}

	now := o.now()
	domainID := req.DomainID
	if domainID == "" {
		domainID = pb.DomainID
	}
	j := &job{
		agents: agents,
		edges:  g.Edges,
		deps:   dependencies(g),
		plan:   plan,
		ctx:    core.NewJobContext(req.Input),
		done:   make(chan struct{}),
		exec: core.JobExecution{
			JobID:      uuid.NewString(),
			TenantID:   req.TenantID,
			DomainID:   domainID,
			PlaybookID: pb.ID,
			Status:     core.JobRunning,
			Phase:      PhaseBuildPlan,
			Batches:    plan.Batches,
			Agents:     make(map[string]core.AgentRunStatus, len(g.Nodes)),
			StartedAt:  now,
		},
	}
	for _, id := range plan.Nodes() {
		j.exec.Agents[id] = core.NewAgentRunStatus(id, now)
	}
	j.exec.Context = j.ctx.Clone()
	return j, nil
}

// Run starts a job and waits for it. Cancelling ctx cancels the job; the returned
// execution then carries the partial results.
func (o *Orchestrator) Run(ctx context.Context, req JobRequest) (core.JobExecution, synth.Document, error) {
	j, err := o.start(ctx, req)
	if err != nil {
		return core.JobExecution{}, synth.Document{}, err
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		j.cancel(errJobCancelled)
		<-j.done
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.exec.Clone(), j.doc, j.err
}

// GetJobStatus returns a copy of the job's current execution record, including
// per-agent state and any outputs produced so far.
func (o *Orchestrator) GetJobStatus(jobID string) (core.JobExecution, error) {
	j, err := o.lookup(jobID)
	if err != nil {
		return o.archivedJob(context.Background(), jobID, err)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.exec.Clone(), nil
}

// Result returns the synthesized document of a finished job.
func (o *Orchestrator) Result(jobID string) (synth.Document, error) {
	j, err := o.lookup(jobID)
	if err != nil {
		archive, ok := o.store.(JobArchive)
		if !ok {
			return synth.Document{}, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		doc, aerr := archive.GetResult(ctx, jobID)
		if errors.Is(aerr, persistence.ErrNotFound) {
			return synth.Document{}, err
		}
		return doc, aerr
	}
	select {
	case <-j.done:
	default:
		return synth.Document{}, fmt.Errorf("job %s is still running", jobID)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.doc, j.err
}

// Cancel stops a running job. In-flight agents end in error with reason
// cancelled. Cancelling a finished job is a no-op.
func (o *Orchestrator) Cancel(jobID string) error {
	j, err := o.lookup(jobID)
	if err != nil {
		_, err := o.archivedJob(context.Background(), jobID, err)
		return err
	}
	j.cancel(errJobCancelled)
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (core.JobExecution, error) {
	j, err := o.lookup(jobID)
	if err != nil {
		return o.archivedJob(ctx, jobID, err)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return core.JobExecution{}, ctx.Err()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.exec.Clone(), nil
}

// Shutdown cancels every running job and waits for them to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	for _, j := range o.jobs {
		j.cancel(errJobCancelled)
	}
	o.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(jobID string) (*job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return j, nil
}

// archivedJob loads an evicted job from the store. notFound is returned when
// there is no archive or the job is not in it.
func (o *Orchestrator) archivedJob(ctx context.Context, jobID string, notFound error) (core.JobExecution, error) {
	archive, ok := o.store.(JobArchive)
	if !ok {
		return core.JobExecution{}, notFound
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	exec, err := archive.GetJob(ctx, jobID)
	if errors.Is(err, persistence.ErrNotFound) {
		return core.JobExecution{}, notFound
	}
	return exec, err
}

// dependencies maps each node to its direct dependencies in edge order.
func dependencies(g config.DependencyGraph) map[string][]string {
	deps := make(map[string][]string, len(g.Nodes))
	seen := make(map[config.Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		if seen[e] {
			continue
		}
		seen[e] = true
		deps[e.To] = append(deps[e.To], e.From)
	}
	return deps
}
