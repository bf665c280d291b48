package synth

import (
	"sort"
	"time"

	"github.com/aristath/agentgraph/internal/core"
)

// Document is the synthesized result of a job.
type Document struct {
	JobID               string                 `json:"job_id"`
	DomainID            string                 `json:"domain_id,omitempty"`
	PlaybookID          string                 `json:"playbook_id,omitempty"`
	Outputs             map[string]core.Output `json:"outputs"`
	Confidence          map[string]float64     `json:"confidence"`
	LowConfidence       []LowConfidenceField   `json:"low_confidence,omitempty"`
	Violations          []SchemaViolation      `json:"violations,omitempty"`
	Failed              []string               `json:"failed,omitempty"`
	Blocked             []string               `json:"blocked,omitempty"`
	Partial             bool                   `json:"partial"`
	NeedsReview         bool                   `json:"needs_review"`
	ClarificationRounds int                    `json:"clarification_rounds"`
	Clarifications      core.Output            `json:"clarifications,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// Synthesis is everything Synthesize needs.
type Synthesis struct {
	JobID          string
	DomainID       string
	PlaybookID     string
	Outputs        map[string]core.AgentOutput
	Statuses       map[string]core.AgentRunStatus
	LowConfidence  []LowConfidenceField
	Violations     []SchemaViolation
	Rounds         int
	Clarifications core.Output
	At             time.Time
}

// Synthesize merges outputs keyed by agent id. It carries no agent-specific logic:
// the same Synthesis always yields the same Document.
func Synthesize(in Synthesis) Document {
	doc := Document{
		JobID:               in.JobID,
		DomainID:            in.DomainID,
		PlaybookID:          in.PlaybookID,
		Outputs:             make(map[string]core.Output, len(in.Outputs)),
		Confidence:          make(map[string]float64, len(in.Outputs)),
		LowConfidence:       append([]LowConfidenceField(nil), in.LowConfidence...),
		Violations:          append([]SchemaViolation(nil), in.Violations...),
		ClarificationRounds: in.Rounds,
		Clarifications:      in.Clarifications.Clone(),
		CreatedAt:           in.At,
	}
	for id, out := range in.Outputs {
		doc.Outputs[id] = out.Output.Clone()
		doc.Confidence[id] = out.Confidence
	}
	for id, st := range in.Statuses {
		switch st.State {
		case core.StateError:
			doc.Failed = append(doc.Failed, id)
		case core.StateBlocked:
			doc.Blocked = append(doc.Blocked, id)
		}
	}
	sort.Strings(doc.Failed)
	sort.Strings(doc.Blocked)

	doc.Partial = len(doc.Failed) > 0 || len(doc.Blocked) > 0
	doc.NeedsReview = len(doc.LowConfidence) > 0 || len(doc.Violations) > 0
	return doc
}
