// Package synth merges per-agent outputs into one document and computes the
// schema and confidence metadata that drives clarification rounds.
package synth

import (
	"fmt"
	"sort"

	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/core"
)

// ViolationKind classifies a schema violation.
type ViolationKind string

const (
	ViolationMissing    ViolationKind = "missing"
	ViolationType       ViolationKind = "type"
	ViolationUnexpected ViolationKind = "unexpected"
)

// SchemaViolation is one mismatch between an agent's output and its declared schema.
type SchemaViolation struct {
	AgentID  string           `json:"agent_id"`
	Field    string           `json:"field"`
	Kind     ViolationKind    `json:"kind"`
	Expected config.FieldType `json:"expected,omitempty"`
	Actual   string           `json:"actual,omitempty"`
}

func (v SchemaViolation) String() string {
	switch v.Kind {
	case ViolationMissing:
		return fmt.Sprintf("%s.%s: missing (want %s)", v.AgentID, v.Field, v.Expected)
	case ViolationType:
		return fmt.Sprintf("%s.%s: got %s, want %s", v.AgentID, v.Field, v.Actual, v.Expected)
	default:
		return fmt.Sprintf("%s.%s: not declared in schema", v.AgentID, v.Field)
	}
}

// LowConfidenceField is an output field whose agent reported confidence below its threshold.
// Field is empty when the agent produced no fields at all.
type LowConfidenceField struct {
	AgentID    string  `json:"agent_id"`
	Field      string  `json:"field,omitempty"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// Aggregate collects every completed agent's output from the job context.
func Aggregate(ctx *core.JobContext) map[string]core.AgentOutput {
	out := make(map[string]core.AgentOutput, len(ctx.Outputs))
	for id, o := range ctx.Outputs {
		out[id] = core.AgentOutput{Output: o.Output.Clone(), Confidence: o.Confidence}
	}
	return out
}

// Validate checks each output against its agent's declared schema. Agents without a
// schema are not checked. Results are sorted by agent, then field.
func Validate(outputs map[string]core.AgentOutput, agents map[string]config.Agent) []SchemaViolation {
	var violations []SchemaViolation
	for id, out := range outputs {
		schema := agents[id].OutputSchema
		if len(schema) == 0 {
			continue
		}
		for field, want := range schema {
			v, ok := out.Output[field]
			if !ok {
				violations = append(violations, SchemaViolation{AgentID: id, Field: field, Kind: ViolationMissing, Expected: want})
				continue
			}
			if !matches(want, v) {
				violations = append(violations, SchemaViolation{AgentID: id, Field: field, Kind: ViolationType, Expected: want, Actual: typeName(v)})
			}
		}
		for field, v := range out.Output {
			if _, declared := schema[field]; !declared {
				violations = append(violations, SchemaViolation{AgentID: id, Field: field, Kind: ViolationUnexpected, Actual: typeName(v)})
			}
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].AgentID != violations[j].AgentID {
			return violations[i].AgentID < violations[j].AgentID
		}
		return violations[i].Field < violations[j].Field
	})
	return violations
}

// ExtractLowConfidence returns one entry per field of every agent whose confidence
// is below its threshold. An agent's own ConfidenceThreshold overrides threshold.
func ExtractLowConfidence(outputs map[string]core.AgentOutput, agents map[string]config.Agent, threshold float64) []LowConfidenceField {
	var low []LowConfidenceField
	for id, out := range outputs {
		limit := agents[id].Threshold(threshold)
		if out.Confidence >= limit {
			continue
		}
		if len(out.Output) == 0 {
			low = append(low, LowConfidenceField{AgentID: id, Confidence: out.Confidence, Threshold: limit})
			continue
		}
		for field := range out.Output {
			low = append(low, LowConfidenceField{AgentID: id, Field: field, Confidence: out.Confidence, Threshold: limit})
		}
	}
	sort.Slice(low, func(i, j int) bool {
		if low[i].AgentID != low[j].AgentID {
			return low[i].AgentID < low[j].AgentID
		}
		return low[i].Field < low[j].Field
	})
	return low
}

// AffectedAgents returns the sorted, de-duplicated agents named by either list.
func AffectedAgents(low []LowConfidenceField, violations []SchemaViolation) []string {
	seen := make(map[string]bool)
	for _, f := range low {
		seen[f.AgentID] = true
	}
	for _, v := range violations {
		seen[v.AgentID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
