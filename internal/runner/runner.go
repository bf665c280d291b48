// Package runner invokes a single agent for a job: it assembles the agent's input
// from its dependencies, retries transient failures with backoff, and emits every
// state transition to the status sink as it happens.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/agentgraph/internal/agent"
	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
)

// Request describes one agent run within a job.
type Request struct {
	JobID        string
	AgentID      string
	Dependencies []string
	View         core.JobView
	Timeout      time.Duration // Per attempt
	MaxRetries   int
	Round        int
}

// Result is the settled outcome of a run. State is complete or error.
type Result struct {
	AgentID    string
	State      core.AgentState
	Output     core.Output
	Confidence float64
	Message    string
	Attempts   int
	Err        error
}

// AgentRunner runs agents through an Invoker.
type AgentRunner struct {
	invoker  agent.Invoker
	sink     events.Sink
	breakers *BreakerRegistry
	retry    RetryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an AgentRunner.
type Option func(*AgentRunner)

// WithBreakers shares a breaker registry between runners.
func WithBreakers(b *BreakerRegistry) Option {
	return func(r *AgentRunner) { r.breakers = b }
}

// WithRetry overrides the backoff schedule.
func WithRetry(c RetryConfig) Option {
	return func(r *AgentRunner) { r.retry = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *AgentRunner) { r.logger = l }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *AgentRunner) { r.now = now }
}

// New creates a runner. A nil sink discards events.
func New(invoker agent.Invoker, sink events.Sink, opts ...Option) *AgentRunner {
	if sink == nil {
		sink = events.Discard
	}
	r := &AgentRunner{
		invoker:  invoker,
		sink:     sink,
		breakers: NewBreakerRegistry(DefaultBreakerSettings()),
		retry:    DefaultRetryConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type invocation struct {
	output     core.Output
	confidence float64
}

// Run invokes the agent until it succeeds, fails permanently, exhausts its retries
// or ctx is done. It never returns a non-terminal state.
func (r *AgentRunner) Run(ctx context.Context, req Request) Result {
	log := r.logger.With("job", req.JobID, "agent", req.AgentID, "round", req.Round)
	input := req.View.InputFor(req.Dependencies)
	cb := r.breakers.Get(req.AgentID)

	// Tool reports may arrive from agent goroutines; serialize them with our own
	// emissions and drop any that arrive after the run settled.
	var mu sync.Mutex
	settled := false
	attempt := 0
	emit := func(state core.AgentState, msg string, confidence float64) {
		r.sink.Emit(events.AgentStatusEvent{Status: core.StatusEvent{
			JobID:      req.JobID,
			AgentID:    req.AgentID,
			State:      state,
			Message:    msg,
			Confidence: confidence,
			Attempt:    attempt,
			Round:      req.Round,
			Timestamp:  r.now(),
		}})
	}
	invokeCtx := agent.WithToolReporter(ctx, func(tool string) {
		mu.Lock()
		defer mu.Unlock()
		if !settled {
			emit(core.StateCallingTool, tool, 0)
		}
	})

	var result invocation
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		mu.Lock()
		attempt++
		emit(core.StateInvoking, fmt.Sprintf("attempt %d", attempt), 0)
		mu.Unlock()

		res, err := cb.Execute(func() (interface{}, error) {
			out, confidence, err := r.invoker.Invoke(invokeCtx, req.AgentID, input, req.Timeout)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", errRunStopped, err)
				}
				return nil, err
			}
			return invocation{output: out, confidence: confidence}, nil
		})
		if err != nil {
			if isBreakerRejection(err) || ctx.Err() != nil || !agent.IsTransient(err) {
				return backoff.Permanent(err)
			}
			log.Debug("transient agent failure, retrying", "attempt", attempt, "error", err)
			return err
		}

		result = res.(invocation)
		return nil
	}

	err := backoff.Retry(operation, r.retry.policy(ctx, req.MaxRetries))

	mu.Lock()
	defer mu.Unlock()
	settled = true

	out := Result{AgentID: req.AgentID, Attempts: attempt}
	switch {
	case err == nil:
		out.State = core.StateComplete
		out.Output = result.output
		out.Confidence = result.confidence
		emit(core.StateComplete, "", result.confidence)
		log.Debug("agent complete", "confidence", result.confidence, "attempts", attempt)
	case ctx.Err() != nil:
		out.State = core.StateError
		out.Message = core.ReasonCancelled
		out.Err = ctx.Err()
		emit(core.StateError, out.Message, 0)
		log.Info("agent cancelled", "attempts", attempt)
	default:
		out.State = core.StateError
		out.Message = err.Error()
		out.Err = err
		emit(core.StateError, out.Message, 0)
		log.Warn("agent failed", "attempts", attempt, "transient", agent.IsTransient(err), "error", err)
	}
	return out
}

// Cancelled reports whether the result is an error caused by cancellation.
func (res Result) Cancelled() bool {
	return res.State == core.StateError && res.Message == core.ReasonCancelled
}
