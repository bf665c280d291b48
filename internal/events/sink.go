package events

import "sync"

// Sink receives engine events. Emit is fire-and-forget and must not block for long:
// it is called on the agent's own goroutine between state transitions.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans each event out to every sink in order.
type MultiSink []Sink

// Emit forwards ev to each non-nil sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder keeps every emitted event in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Statuses returns the recorded agent status events, optionally filtered to one agent.
func (r *Recorder) Statuses(agentID string) []AgentStatusEvent {
	var out []AgentStatusEvent
	for _, ev := range r.Events() {
		st, ok := ev.(AgentStatusEvent)
		if !ok {
			continue
		}
		if agentID == "" || st.Status.AgentID == agentID {
			out = append(out, st)
		}
	}
	return out
}
