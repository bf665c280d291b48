// Package agent is the boundary between the engine and concrete agent
// implementations. The engine only ever calls Invoker.Invoke.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/core"
)

// Invoker calls an agent by id with its assembled input.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, input map[string]core.Output, timeout time.Duration) (core.Output, float64, error)
}

// Agent is one concrete implementation.
type Agent interface {
	Run(ctx context.Context, input map[string]core.Output) (core.Output, float64, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, input map[string]core.Output) (core.Output, float64, error)

// Run calls f.
func (f Func) Run(ctx context.Context, input map[string]core.Output) (core.Output, float64, error) {
	return f(ctx, input)
}

// Registry dispatches invocations to registered agents by id.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces the agent for id.
func (r *Registry) Register(id string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke runs the agent under a timeout. A zero timeout means no per-call deadline.
func (r *Registry) Invoke(ctx context.Context, agentID string, input map[string]core.Output, timeout time.Duration) (core.Output, float64, error) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, Permanent(fmt.Errorf("no agent registered for %q", agentID))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, confidence, err := a.Run(ctx, input)
	if err != nil {
		return nil, 0, err
	}
	if confidence < 0 || confidence > 1 {
		return nil, 0, Permanent(fmt.Errorf("agent %q reported confidence %v outside [0,1]", agentID, confidence))
	}
	return out, confidence, nil
}

// FromConfig builds a registry from agent definitions. Process agents are tracked
// by pm so they can be killed on shutdown; pm may be nil.
func FromConfig(agents map[string]config.Agent, pm *ProcessManager) (*Registry, error) {
	r := NewRegistry()
	for id, def := range agents {
		switch def.Kind {
		case config.KindStatic, "":
			confidence := def.StaticConfidence
			if confidence == 0 {
				confidence = 1
			}
			r.Register(id, &StaticAgent{Output: def.Static, Confidence: confidence})
		case config.KindProcess:
			r.Register(id, &ProcessAgent{
				ID:      id,
				Command: def.Command,
				Args:    def.Args,
				Env:     def.Env,
				PM:      pm,
			})
		default:
			return nil, fmt.Errorf("agent %q: unknown kind %q", id, def.Kind)
		}
	}
	return r, nil
}

// StaticAgent always returns the same output.
type StaticAgent struct {
	Output     core.Output
	Confidence float64
}

// Run returns a copy of the fixed output.
func (s *StaticAgent) Run(ctx context.Context, _ map[string]core.Output) (core.Output, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return s.Output.Clone(), s.Confidence, nil
}

type toolReporterKey struct{}

// WithToolReporter returns a context whose ReportToolCall invocations reach fn.
func WithToolReporter(ctx context.Context, fn func(tool string)) context.Context {
	return context.WithValue(ctx, toolReporterKey{}, fn)
}

// ReportToolCall tells the engine the running agent is calling an external tool.
// It is a no-op outside an engine invocation.
func ReportToolCall(ctx context.Context, tool string) {
	if fn, ok := ctx.Value(toolReporterKey{}).(func(string)); ok && fn != nil {
		fn(tool)
	}
}
