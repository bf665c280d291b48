package orchestrator

import (
	"context"
	"errors"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/synth"
)

// ErrClarifierStopped is returned by Clarify once the channel's handler has exited.
var ErrClarifierStopped = errors.New("clarification channel stopped")

// ClarificationRequest asks the caller for more input about low-confidence or
// malformed agent outputs before the affected agents are re-run.
type ClarificationRequest struct {
	JobID         string                     `json:"job_id"`
	Round         int                        `json:"round"` // The round the answers will feed, starting at 1
	Agents        []string                   `json:"agents"`
	LowConfidence []synth.LowConfidenceField `json:"low_confidence,omitempty"`
	Violations    []synth.SchemaViolation    `json:"violations,omitempty"`
}

// Clarifier supplies additional input for a clarification round. The returned
// answers are merged into the job context and exposed to re-run agents.
type Clarifier interface {
	Clarify(ctx context.Context, req ClarificationRequest) (core.Output, error)
}

// ClarifierFunc adapts a function to Clarifier.
type ClarifierFunc func(ctx context.Context, req ClarificationRequest) (core.Output, error)

// Clarify calls f.
func (f ClarifierFunc) Clarify(ctx context.Context, req ClarificationRequest) (core.Output, error) {
	return f(ctx, req)
}

type clarification struct {
	req        ClarificationRequest
	responseCh chan clarificationAnswer
}

type clarificationAnswer struct {
	answers core.Output
	err     error
}

// ClarificationChannel funnels clarification requests from concurrent jobs into
// one handler goroutine, so an interactive answerer sees one request at a time.
type ClarificationChannel struct {
	requestCh chan clarification
	answerFn  ClarifierFunc
	done      chan struct{}
}

// NewClarificationChannel creates a channel with the given buffer size.
func NewClarificationChannel(bufferSize int, answerFn ClarifierFunc) *ClarificationChannel {
	return &ClarificationChannel{
		requestCh: make(chan clarification, bufferSize),
		answerFn:  answerFn,
		done:      make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (c *ClarificationChannel) Start(ctx context.Context) {
	go c.handle(ctx)
}

func (c *ClarificationChannel) handle(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-c.requestCh:
			answers, err := c.answerFn(ctx, q.req)

			select {
			case <-ctx.Done():
				q.responseCh <- clarificationAnswer{err: ctx.Err()}
				return
			default:
				q.responseCh <- clarificationAnswer{answers: answers, err: err}
			}
		}
	}
}

// Clarify queues req and waits for the handler's answer. It honours ctx at both
// the send and the receive.
func (c *ClarificationChannel) Clarify(ctx context.Context, req ClarificationRequest) (core.Output, error) {
	responseCh := make(chan clarificationAnswer, 1)

	select {
	case <-c.done:
		return nil, ErrClarifierStopped
	default:
	}

	select {
	case c.requestCh <- clarification{req: req, responseCh: responseCh}:
	case <-c.done:
		return nil, ErrClarifierStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case answer := <-responseCh:
		return answer.answers, answer.err
	case <-c.done:
		// The handler may have answered just before exiting.
		select {
		case answer := <-responseCh:
			return answer.answers, answer.err
		default:
			return nil, ErrClarifierStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (c *ClarificationChannel) Stop() {
	<-c.done
}
