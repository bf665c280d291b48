package core

import (
	"fmt"
	"time"
)

// AgentState is one state of the per-agent, per-job state machine:
// waiting -> invoking -> (calling_tool)* -> complete | error.
// blocked is reached from waiting when an ancestor failed or was cancelled.
type AgentState string

const (
	StateWaiting     AgentState = "waiting"
	StateInvoking    AgentState = "invoking"
	StateCallingTool AgentState = "calling_tool"
	StateComplete    AgentState = "complete"
	StateError       AgentState = "error"
	StateBlocked     AgentState = "blocked"
)

// Terminal reports whether no further transitions are expected in the current round.
func (s AgentState) Terminal() bool {
	switch s {
	case StateComplete, StateError, StateBlocked:
		return true
	}
	return false
}

// Failed reports whether the state prevents dependents from running.
func (s AgentState) Failed() bool {
	return s == StateError || s == StateBlocked
}

var transitions = map[AgentState][]AgentState{
	StateWaiting:     {StateInvoking, StateBlocked, StateError},
	StateInvoking:    {StateCallingTool, StateInvoking, StateComplete, StateError},
	StateCallingTool: {StateCallingTool, StateInvoking, StateComplete, StateError},
	// A clarification round re-arms terminal agents.
	StateComplete: {StateWaiting},
	StateError:    {StateWaiting},
	StateBlocked:  {StateWaiting},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to AgentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one timestamped state change.
type Transition struct {
	State     AgentState `json:"state"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// AgentRunStatus tracks one agent within one job.
type AgentRunStatus struct {
	AgentID    string       `json:"agent_id"`
	State      AgentState   `json:"state"`
	Confidence float64      `json:"confidence"`
	Message    string       `json:"message,omitempty"`
	Attempts   int          `json:"attempts,omitempty"`
	Round      int          `json:"round"`
	UpdatedAt  time.Time    `json:"updated_at"`
	History    []Transition `json:"history,omitempty"`
}

// NewAgentRunStatus returns a status in the waiting state.
func NewAgentRunStatus(agentID string, now time.Time) AgentRunStatus {
	return AgentRunStatus{
		AgentID:   agentID,
		State:     StateWaiting,
		UpdatedAt: now,
		History:   []Transition{{State: StateWaiting, Timestamp: now}},
	}
}

// Apply records a state change, rejecting illegal transitions.
func (s *AgentRunStatus) Apply(ev StatusEvent) error {
	if !CanTransition(s.State, ev.State) {
		return fmt.Errorf("agent %q: illegal transition %s -> %s", s.AgentID, s.State, ev.State)
	}
	s.State = ev.State
	s.Message = ev.Message
	if ev.Confidence > 0 || ev.State == StateComplete {
		s.Confidence = ev.Confidence
	}
	if ev.Attempt > 0 {
		s.Attempts = ev.Attempt
	}
	s.Round = ev.Round
	s.UpdatedAt = ev.Timestamp
	s.History = append(s.History, Transition{State: ev.State, Message: ev.Message, Timestamp: ev.Timestamp})
	return nil
}

// Clone returns a deep copy.
func (s AgentRunStatus) Clone() AgentRunStatus {
	cp := s
	if s.History != nil {
		cp.History = append([]Transition(nil), s.History...)
	}
	return cp
}

// StatusEvent is what the engine publishes on every agent state change.
type StatusEvent struct {
	JobID      string     `json:"job_id"`
	AgentID    string     `json:"agent_id"`
	State      AgentState `json:"status"`
	Message    string     `json:"message,omitempty"`
	Confidence float64    `json:"confidence"`
	Attempt    int        `json:"attempt,omitempty"`
	Round      int        `json:"round"`
	Timestamp  time.Time  `json:"timestamp"`
}
