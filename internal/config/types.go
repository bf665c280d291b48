package config

import (
	"fmt"
	"time"
)

// AgentClass partitions agents and playbooks by the kind of work they do.
type AgentClass string

const (
	ClassIngest AgentClass = "ingest" // Enrich an incoming report
	ClassQuery  AgentClass = "query"  // Answer a query
	ClassManage AgentClass = "manage" // Maintenance and housekeeping
)

// Valid reports whether c is one of the known classes.
func (c AgentClass) Valid() bool {
	switch c {
	case ClassIngest, ClassQuery, ClassManage:
		return true
	}
	return false
}

// FieldType is the declared type of one key in an agent's output schema.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldAny     FieldType = "any"
)

// MaxSchemaKeys bounds the size of an output schema.
const MaxSchemaKeys = 5

// OutputSchema maps output keys to their declared types.
type OutputSchema map[string]FieldType

// Check verifies the schema is small and uses known types.
func (s OutputSchema) Check() error {
	if len(s) > MaxSchemaKeys {
		return fmt.Errorf("output schema has %d keys, max %d", len(s), MaxSchemaKeys)
	}
	for key, ft := range s {
		switch ft {
		case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray, FieldAny:
		default:
			return fmt.Errorf("output schema key %q has unknown type %q", key, ft)
		}
	}
	return nil
}

// Agent kinds understood by the agent registry.
const (
	KindStatic  = "static"  // Returns a fixed output; useful for fixtures and smoke tests
	KindProcess = "process" // Runs an external command speaking JSON over stdio
)

// Agent is the definition of one configured unit of work. Read-only to the engine.
type Agent struct {
	ID                  string         `json:"id" yaml:"id"`
	Class               AgentClass     `json:"class" yaml:"class"`
	Dependencies        []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	OutputSchema        OutputSchema   `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"` // 0 means runtime default
	Kind                string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	Command             string         `json:"command,omitempty" yaml:"command,omitempty"`
	Args                []string       `json:"args,omitempty" yaml:"args,omitempty"`
	Env                 []string       `json:"env,omitempty" yaml:"env,omitempty"`
	Static              map[string]any `json:"static,omitempty" yaml:"static,omitempty"`
	StaticConfidence    float64        `json:"static_confidence,omitempty" yaml:"static_confidence,omitempty"`
	Timeout             Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // Per-agent override of Runtime.AgentTimeout
	MaxRetries          *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"` // Per-agent override of Runtime.MaxRetries
}

// Threshold returns the agent's confidence threshold, falling back to def.
func (a Agent) Threshold(def float64) float64 {
	if a.ConfidenceThreshold > 0 {
		return a.ConfidenceThreshold
	}
	return def
}

// Edge means To depends on From.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// DependencyGraph is the execution graph of a playbook.
type DependencyGraph struct {
	Nodes []string `json:"nodes" yaml:"nodes"`
	Edges []Edge   `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Playbook is a named set of agents plus their dependency graph, scoped to a domain and class.
type Playbook struct {
	ID       string          `json:"id" yaml:"id"`
	DomainID string          `json:"domain_id" yaml:"domain_id"`
	Class    AgentClass      `json:"class" yaml:"class"`
	Graph    DependencyGraph `json:"graph" yaml:"graph"`
}

// Domain groups playbooks under one subject area.
type Domain struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Failure policies for agents that end in error.
const (
	PolicyContinue = "continue" // Block only the failed agent's dependents
	PolicyAbort    = "abort"    // Stop scheduling further batches
)

// NATSConfig configures the status event transport.
type NATSConfig struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Embedded bool   `json:"embedded,omitempty" yaml:"embedded,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	DataDir  string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// RuntimeConfig holds engine-wide execution settings.
type RuntimeConfig struct {
	AgentTimeout           Duration   `json:"agent_timeout" yaml:"agent_timeout"`
	MaxRetries             int        `json:"max_retries" yaml:"max_retries"`
	JobTimeout             Duration   `json:"job_timeout" yaml:"job_timeout"`
	MaxClarificationRounds int        `json:"max_clarification_rounds" yaml:"max_clarification_rounds"`
	ConfidenceThreshold    float64    `json:"confidence_threshold" yaml:"confidence_threshold"`
	ConcurrencyLimit       int        `json:"concurrency_limit,omitempty" yaml:"concurrency_limit,omitempty"` // 0 means unbounded within a batch
	FailurePolicy          string     `json:"failure_policy" yaml:"failure_policy"`
	StorePath              string     `json:"store_path" yaml:"store_path"`
	NATS                   NATSConfig `json:"nats" yaml:"nats"`
	Log                    LogConfig  `json:"log" yaml:"log"`
}

// Config is the top-level configuration.
type Config struct {
	Domains   map[string]Domain   `json:"domains" yaml:"domains"`
	Agents    map[string]Agent    `json:"agents" yaml:"agents"`
	Playbooks map[string]Playbook `json:"playbooks" yaml:"playbooks"`
	Runtime   RuntimeConfig       `json:"runtime" yaml:"runtime"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("30s").
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}
