package config

import "time"

// Engine defaults.
const (
	DefaultConfidenceThreshold    = 0.9
	DefaultMaxClarificationRounds = 3
	DefaultMaxRetries             = 3
	DefaultAgentTimeout           = 2 * time.Minute
	DefaultJobTimeout             = 30 * time.Minute
)

// DefaultConfig returns the default configuration: no agents or playbooks, and runtime
// settings tuned for interactive use.
func DefaultConfig() *Config {
	return &Config{
		Domains:   map[string]Domain{},
		Agents:    map[string]Agent{},
		Playbooks: map[string]Playbook{},
		Runtime: RuntimeConfig{
			AgentTimeout:           Duration(DefaultAgentTimeout),
			MaxRetries:             DefaultMaxRetries,
			JobTimeout:             Duration(DefaultJobTimeout),
			MaxClarificationRounds: DefaultMaxClarificationRounds,
			ConfidenceThreshold:    DefaultConfidenceThreshold,
			FailurePolicy:          PolicyContinue,
			StorePath:              ".agentgraph/agentgraph.db",
			NATS: NATSConfig{
				Port:    -1,
				DataDir: ".agentgraph/nats",
			},
			Log: LogConfig{
				Level:  "info",
				Format: "auto",
			},
		},
	}
}
