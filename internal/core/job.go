package core

import (
	"maps"
	"sort"
	"time"
)

// Output is the JSON-shaped result of one agent.
type Output map[string]any

// Clone returns a shallow copy of the top-level keys.
func (o Output) Clone() Output {
	if o == nil {
		return nil
	}
	return maps.Clone(o)
}

// AgentOutput is a completed agent's output with its self-reported confidence.
type AgentOutput struct {
	Output     Output  `json:"output"`
	Confidence float64 `json:"confidence"`
}

// InputKey is the key under which the original job input is exposed to agents.
const InputKey = "input"

// ClarificationKey is the key under which clarification answers are exposed to agents.
const ClarificationKey = "clarifications"

// JobContext accumulates the original input plus each completed agent's output.
// Written only by the orchestrator; runners read from a View taken before each batch.
type JobContext struct {
	Input          Output                 `json:"input"`
	Clarifications Output                 `json:"clarifications,omitempty"`
	Outputs        map[string]AgentOutput `json:"outputs"`
}

// NewJobContext creates a context seeded with the job input.
func NewJobContext(input Output) *JobContext {
	return &JobContext{
		Input:   input.Clone(),
		Outputs: make(map[string]AgentOutput),
	}
}

// Set stores an agent's output.
func (c *JobContext) Set(agentID string, out AgentOutput) {
	c.Outputs[agentID] = out
}

// Delete removes an agent's output, used before the agent is re-run.
func (c *JobContext) Delete(agentID string) {
	delete(c.Outputs, agentID)
}

// AddClarifications merges caller-provided answers.
func (c *JobContext) AddClarifications(answers Output) {
	if len(answers) == 0 {
		return
	}
	if c.Clarifications == nil {
		c.Clarifications = make(Output, len(answers))
	}
	maps.Copy(c.Clarifications, answers)
}

// View returns an immutable-by-convention copy safe to share with concurrent readers.
func (c *JobContext) View() JobView {
	outputs := make(map[string]AgentOutput, len(c.Outputs))
	for id, out := range c.Outputs {
		outputs[id] = AgentOutput{Output: out.Output.Clone(), Confidence: out.Confidence}
	}
	return JobView{
		input:          c.Input.Clone(),
		clarifications: c.Clarifications.Clone(),
		outputs:        outputs,
	}
}

// Clone returns a deep-enough copy for status snapshots.
func (c *JobContext) Clone() *JobContext {
	if c == nil {
		return nil
	}
	cp := &JobContext{
		Input:          c.Input.Clone(),
		Clarifications: c.Clarifications.Clone(),
		Outputs:        make(map[string]AgentOutput, len(c.Outputs)),
	}
	for id, out := range c.Outputs {
		cp.Outputs[id] = AgentOutput{Output: out.Output.Clone(), Confidence: out.Confidence}
	}
	return cp
}

// JobView is a read-only view of a JobContext taken at a batch boundary.
type JobView struct {
	input          Output
	clarifications Output
	outputs        map[string]AgentOutput
}

// Output returns a completed agent's output.
func (v JobView) Output(agentID string) (AgentOutput, bool) {
	out, ok := v.outputs[agentID]
	return out, ok
}

// InputFor builds the invocation context for an agent: the original input, any
// clarifications, and the outputs of its dependencies keyed by agent id.
func (v JobView) InputFor(dependencies []string) map[string]Output {
	in := make(map[string]Output, len(dependencies)+2)
	in[InputKey] = v.input.Clone()
	if len(v.clarifications) > 0 {
		in[ClarificationKey] = v.clarifications.Clone()
	}
	for _, dep := range dependencies {
		if out, ok := v.outputs[dep]; ok {
			in[dep] = out.Output.Clone()
		}
	}
	return in
}

// JobStatus is the overall state of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Reasons recorded on failed jobs.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
	ReasonAllFailed = "all final agents failed"
	ReasonAborted   = "aborted after agent error"
)

// JobExecution is the transient record of one end-to-end run.
type JobExecution struct {
	JobID              string                    `json:"job_id"`
	TenantID           string                    `json:"tenant_id,omitempty"`
	DomainID           string                    `json:"domain_id"`
	PlaybookID         string                    `json:"playbook_id"`
	Status             JobStatus                 `json:"status"`
	Phase              string                    `json:"phase"`
	Reason             string                    `json:"reason,omitempty"`
	ClarificationRound int                       `json:"clarification_round"`
	Batches            [][]string                `json:"batches,omitempty"`
	Agents             map[string]AgentRunStatus `json:"agents"`
	Context            *JobContext               `json:"context"`
	StartedAt          time.Time                 `json:"started_at"`
	FinishedAt         time.Time                 `json:"finished_at,omitzero"`
}

// Clone returns a deep copy suitable for handing to callers.
func (j *JobExecution) Clone() JobExecution {
	cp := *j
	cp.Agents = make(map[string]AgentRunStatus, len(j.Agents))
	for id, st := range j.Agents {
		cp.Agents[id] = st.Clone()
	}
	cp.Batches = make([][]string, len(j.Batches))
	for i, b := range j.Batches {
		cp.Batches[i] = append([]string(nil), b...)
	}
	cp.Context = j.Context.Clone()
	return cp
}

// AgentIDs returns the job's agent ids in sorted order.
func (j *JobExecution) AgentIDs() []string {
	ids := make([]string, 0, len(j.Agents))
	for id := range j.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Done reports whether the job reached a terminal status.
func (j *JobExecution) Done() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
