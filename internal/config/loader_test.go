package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const globalYAML = `
domains:
  reports:
    name: Incident reports
agents:
  extract:
    class: ingest
    output_schema:
      title: string
      severity: number
    static:
      title: outage
      severity: 3
    static_confidence: 0.95
  classify:
    class: ingest
    dependencies: [extract]
    command: ./classify.sh
playbooks:
  enrich:
    domain_id: reports
    class: ingest
    graph:
      nodes: [extract, classify]
runtime:
  agent_timeout: 45s
  max_clarification_rounds: 2
`

const projectJSON = `{
  "agents": {
    "classify": {"class": "ingest", "dependencies": ["extract"], "command": "./classify-v2.sh"}
  },
  "runtime": {"failure_policy": "abort"}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        string
		project       string
		expectAgents  int
		expectCommand string
		expectPolicy  string
		expectTimeout time.Duration
		expectRounds  int
	}{
		{
			name:          "No config files - returns defaults",
			expectAgents:  0,
			expectPolicy:  PolicyContinue,
			expectTimeout: DefaultAgentTimeout,
			expectRounds:  DefaultMaxClarificationRounds,
		},
		{
			name:          "Global YAML only",
			global:        globalYAML,
			expectAgents:  2,
			expectCommand: "./classify.sh",
			expectPolicy:  PolicyContinue,
			expectTimeout: 45 * time.Second,
			expectRounds:  2,
		},
		{
			name:          "Project JSON overrides global YAML",
			global:        globalYAML,
			project:       projectJSON,
			expectAgents:  2,
			expectCommand: "./classify-v2.sh",
			expectPolicy:  PolicyAbort,
			expectTimeout: 45 * time.Second,
			expectRounds:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, "global.yaml", tt.global)
			}
			projectPath := ""
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := len(cfg.Agents); got != tt.expectAgents {
				t.Errorf("agents count = %d, want %d", got, tt.expectAgents)
			}
			if tt.expectCommand != "" {
				agent := cfg.Agents["classify"]
				if agent.Command != tt.expectCommand {
					t.Errorf("classify command = %q, want %q", agent.Command, tt.expectCommand)
				}
				if agent.Kind != KindProcess {
					t.Errorf("classify kind = %q, want %q", agent.Kind, KindProcess)
				}
				if agent.ID != "classify" {
					t.Errorf("classify id = %q, want id filled from key", agent.ID)
				}
			}
			if cfg.Runtime.FailurePolicy != tt.expectPolicy {
				t.Errorf("failure policy = %q, want %q", cfg.Runtime.FailurePolicy, tt.expectPolicy)
			}
			if cfg.Runtime.AgentTimeout.Std() != tt.expectTimeout {
				t.Errorf("agent timeout = %v, want %v", cfg.Runtime.AgentTimeout.Std(), tt.expectTimeout)
			}
			if cfg.Runtime.MaxClarificationRounds != tt.expectRounds {
				t.Errorf("clarification rounds = %d, want %d", cfg.Runtime.MaxClarificationRounds, tt.expectRounds)
			}
			if cfg.Runtime.ConfidenceThreshold != DefaultConfidenceThreshold {
				t.Errorf("confidence threshold = %v, want default", cfg.Runtime.ConfidenceThreshold)
			}
		})
	}
}

func TestLoad_StaticAgentFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "config.yaml", globalYAML)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	extract := cfg.Agents["extract"]
	if extract.Kind != KindStatic {
		t.Errorf("extract kind = %q, want %q", extract.Kind, KindStatic)
	}
	if extract.OutputSchema["severity"] != FieldNumber {
		t.Errorf("severity type = %q, want number", extract.OutputSchema["severity"])
	}
	if extract.StaticConfidence != 0.95 {
		t.Errorf("static confidence = %v, want 0.95", extract.StaticConfidence)
	}
	if cfg.Playbooks["enrich"].ID != "enrich" {
		t.Errorf("playbook id not filled from key")
	}
}

func TestLoad_MalformedFiles(t *testing.T) {
	tmpDir := t.TempDir()

	badJSON := writeFile(t, tmpDir, "global.json", "{invalid json")
	if _, err := Load(badJSON, ""); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}

	badYAML := writeFile(t, tmpDir, "global.yaml", "agents: [unterminated")
	if _, err := Load(badYAML, ""); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}

	badDuration := writeFile(t, tmpDir, "duration.yaml", "runtime:\n  agent_timeout: soon\n")
	if _, err := Load(badDuration, ""); err == nil {
		t.Fatal("expected error for malformed duration, got nil")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Runtime.MaxRetries != DefaultMaxRetries {
		t.Errorf("max retries = %d, want %d", cfg.Runtime.MaxRetries, DefaultMaxRetries)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(cfg *Config)
		errContains string
	}{
		{
			name: "unknown agent class",
			mutate: func(cfg *Config) {
				cfg.Agents["a"] = Agent{ID: "a", Class: "report", Kind: KindStatic}
			},
			errContains: "unknown class",
		},
		{
			name: "schema too large",
			mutate: func(cfg *Config) {
				cfg.Agents["a"] = Agent{ID: "a", Class: ClassQuery, Kind: KindStatic, OutputSchema: OutputSchema{
					"a": FieldString, "b": FieldString, "c": FieldString, "d": FieldString, "e": FieldString, "f": FieldString,
				}}
			},
			errContains: "max 5",
		},
		{
			name: "process agent without command",
			mutate: func(cfg *Config) {
				cfg.Agents["a"] = Agent{ID: "a", Class: ClassQuery, Kind: KindProcess}
			},
			errContains: "needs a command",
		},
		{
			name: "unknown failure policy",
			mutate: func(cfg *Config) {
				cfg.Runtime.FailurePolicy = "retry-forever"
			},
			errContains: "failure policy",
		},
		{
			name: "playbook in unknown domain",
			mutate: func(cfg *Config) {
				cfg.Domains["reports"] = Domain{ID: "reports"}
				cfg.Playbooks["p"] = Playbook{ID: "p", DomainID: "tickets", Class: ClassQuery}
			},
			errContains: "unknown domain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "input.json")
	if err := os.WriteFile(jsonPath, []byte(`{"ticket": "T-1", "priority": 2}`), 0644); err != nil {
		t.Fatal(err)
	}
	yamlPath := filepath.Join(dir, "input.yaml")
	if err := os.WriteFile(yamlPath, []byte("ticket: T-1\npriority: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{jsonPath, yamlPath} {
		var got map[string]any
		if err := ReadFile(path, &got); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if got["ticket"] != "T-1" {
			t.Errorf("%s: expected ticket T-1, got %v", path, got["ticket"])
		}
	}

	var got map[string]any
	if err := ReadFile(filepath.Join(dir, "missing.json"), &got); err == nil {
		t.Error("expected error for missing file")
	}
}
