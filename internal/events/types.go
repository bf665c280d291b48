package events

import (
	"time"

	"github.com/aristath/agentgraph/internal/core"
)

// Event is the base interface for all engine events.
type Event interface {
	EventType() string
	Topic() string
	JobID() string
}

// Topic constants
const (
	TopicAgent = "agent"
	TopicBatch = "batch"
	TopicJob   = "job"
)

// Event type constants
const (
	EventTypeAgentStatus            = "agent.status"
	EventTypeBatchStarted           = "batch.started"
	EventTypeBatchSettled           = "batch.settled"
	EventTypeJobStarted             = "job.started"
	EventTypeJobPhase               = "job.phase"
	EventTypeJobFinished            = "job.finished"
	EventTypeClarificationRequested = "job.clarification"
)

// AgentStatusEvent is published on every agent state transition.
type AgentStatusEvent struct {
	Status core.StatusEvent
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) Topic() string     { return TopicAgent }
func (e AgentStatusEvent) JobID() string     { return e.Status.JobID }

// BatchEvent is published when a batch starts and again when it settles.
type BatchEvent struct {
	Job       string    `json:"job_id"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Round     int       `json:"round"`
	Agents    []string  `json:"agents"`
	Settled   bool      `json:"settled"`
	Completed int       `json:"completed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BatchEvent) EventType() string {
	if e.Settled {
		return EventTypeBatchSettled
	}
	return EventTypeBatchStarted
}
func (e BatchEvent) Topic() string { return TopicBatch }
func (e BatchEvent) JobID() string { return e.Job }

// JobEvent reports job lifecycle changes.
type JobEvent struct {
	Type       string         `json:"type"`
	Job        string         `json:"job_id"`
	DomainID   string         `json:"domain_id,omitempty"`
	PlaybookID string         `json:"playbook_id,omitempty"`
	Status     core.JobStatus `json:"status"`
	Phase      string         `json:"phase,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Round      int            `json:"round"`
	Agents     []string       `json:"agents,omitempty"` // Affected agents on clarification
	Timestamp  time.Time      `json:"timestamp"`
}

func (e JobEvent) EventType() string { return e.Type }
func (e JobEvent) Topic() string     { return TopicJob }
func (e JobEvent) JobID() string     { return e.Job }
