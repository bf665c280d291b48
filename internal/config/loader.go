package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.agentgraph/config.yaml
// Project: .agentgraph/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional global and project config paths.
func DefaultPaths() (string, string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentgraph", "config.yaml"), filepath.Join(".agentgraph", "config.yaml"), nil
}

// mergeConfigFile reads a config file and merges it into the base config.
// Runtime settings absent from the file keep their current values.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	loaded := Config{Runtime: base.Runtime}
	if err := unmarshal(path, data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, domain := range loaded.Domains {
		base.Domains[key] = domain
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, playbook := range loaded.Playbooks {
		base.Playbooks[key] = playbook
	}
	base.Runtime = loaded.Runtime

	return nil
}

// ReadFile decodes a JSON or YAML file into v, chosen by extension.
func ReadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := unmarshal(path, data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// normalize fills ids from map keys and defaults agent kinds.
func normalize(cfg *Config) {
	for key, domain := range cfg.Domains {
		if domain.ID == "" {
			domain.ID = key
			cfg.Domains[key] = domain
		}
	}
	for key, agent := range cfg.Agents {
		if agent.ID == "" {
			agent.ID = key
		}
		if agent.Kind == "" {
			if agent.Command != "" {
				agent.Kind = KindProcess
			} else {
				agent.Kind = KindStatic
			}
		}
		cfg.Agents[key] = agent
	}
	for key, pb := range cfg.Playbooks {
		if pb.ID == "" {
			pb.ID = key
			cfg.Playbooks[key] = pb
		}
	}
}

// Validate checks definitions for structural problems. Graph-level checks (cycles,
// dangling references, class mismatches) live in the graph package.
func Validate(cfg *Config) error {
	for key, agent := range cfg.Agents {
		if agent.ID != key {
			return fmt.Errorf("agent %q: id %q does not match key", key, agent.ID)
		}
		if !agent.Class.Valid() {
			return fmt.Errorf("agent %q: unknown class %q", key, agent.Class)
		}
		if err := agent.OutputSchema.Check(); err != nil {
			return fmt.Errorf("agent %q: %w", key, err)
		}
		if agent.ConfidenceThreshold < 0 || agent.ConfidenceThreshold > 1 {
			return fmt.Errorf("agent %q: confidence threshold %v out of range", key, agent.ConfidenceThreshold)
		}
		switch agent.Kind {
		case KindStatic:
		case KindProcess:
			if agent.Command == "" {
				return fmt.Errorf("agent %q: process agent needs a command", key)
			}
		default:
			return fmt.Errorf("agent %q: unknown kind %q", key, agent.Kind)
		}
	}
	for key, pb := range cfg.Playbooks {
		if pb.ID != key {
			return fmt.Errorf("playbook %q: id %q does not match key", key, pb.ID)
		}
		if !pb.Class.Valid() {
			return fmt.Errorf("playbook %q: unknown class %q", key, pb.Class)
		}
		if len(cfg.Domains) > 0 {
			if _, ok := cfg.Domains[pb.DomainID]; !ok {
				return fmt.Errorf("playbook %q: unknown domain %q", key, pb.DomainID)
			}
		}
	}
	rt := cfg.Runtime
	if rt.ConfidenceThreshold <= 0 || rt.ConfidenceThreshold > 1 {
		return fmt.Errorf("runtime: confidence threshold %v out of range", rt.ConfidenceThreshold)
	}
	if rt.MaxRetries < 0 || rt.MaxClarificationRounds < 0 {
		return fmt.Errorf("runtime: retry and clarification budgets must not be negative")
	}
	switch rt.FailurePolicy {
	case PolicyContinue, PolicyAbort:
	default:
		return fmt.Errorf("runtime: unknown failure policy %q", rt.FailurePolicy)
	}
	return nil
}
