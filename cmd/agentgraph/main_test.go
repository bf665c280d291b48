package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/agentgraph/internal/agent"
	"github.com/aristath/agentgraph/internal/config"
	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/natsbus"
)

const testConfig = `
domains:
  tickets:
    name: Support tickets
agents:
  extract:
    class: ingest
    output_schema:
      title: string
    static:
      title: printer on fire
    static_confidence: 0.95
  classify:
    class: ingest
    dependencies: [extract]
    output_schema:
      category: string
    static:
      category: hardware
    static_confidence: 0.95
  route:
    class: ingest
    dependencies: [classify]
    static:
      queue: facilities
playbooks:
  triage:
    domain_id: tickets
    class: ingest
    graph:
      nodes: [extract, classify, route]
runtime:
  max_retries: 0
  max_clarification_rounds: 1
  log:
    level: warn
`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// execute runs the CLI with an isolated home directory so no user config leaks in.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", testConfig)

	out, _, err := execute(t, "validate", "--config", cfg)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "triage") || !strings.Contains(out, "3 batches") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestInitWritesRunnableConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")

	if _, _, err := execute(t, "init", "--config", cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, _, err := execute(t, "init", "--config", cfg); err == nil {
		t.Error("expected init to refuse overwriting")
	}

	out, _, err := execute(t, "plan", "triage", "--config", cfg)
	if err != nil {
		t.Fatalf("plan on starter config failed: %v", err)
	}
	if !strings.Contains(out, "batch 3: route") {
		t.Errorf("unexpected plan:\n%s", out)
	}
}

func TestValidateCommandReportsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", `
agents:
  a:
    class: query
    dependencies: [b]
  b:
    class: query
    dependencies: [a]
  c:
    class: query
    dependencies: [ghost]
`)

	_, _, err := execute(t, "validate", "--config", cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{`agent "a"`, `agent "c"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", testConfig)

	out, _, err := execute(t, "plan", "triage", "--config", cfg)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	want := "batch 1: extract\nbatch 2: classify\nbatch 3: route\nserial:  extract -> classify -> route\n"
	if out != want {
		t.Errorf("expected:\n%s\ngot:\n%s", want, out)
	}

	if _, _, err := execute(t, "plan", "missing", "--config", cfg); err == nil {
		t.Error("expected error for unknown playbook")
	}
}

func TestGraphCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", testConfig)

	out, _, err := execute(t, "graph", "route", "--config", cfg)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	for _, want := range []string{"route [ingest] (root)", "extract -> classify", "classify -> route"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunPersistsJob(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", testConfig)
	input := writeTestFile(t, dir, "input.json", `{"ticket": "T-42"}`)
	db := filepath.Join(dir, "agentgraph.db")

	out, _, err := execute(t, "run",
		"--config", cfg, "--store", db,
		"--domain", "tickets", "--class", "ingest", "--input", input)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var doc struct {
		JobID       string                    `json:"job_id"`
		Outputs     map[string]map[string]any `json:"outputs"`
		NeedsReview bool                      `json:"needs_review"`
		Partial     bool                      `json:"partial"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not a document: %v\n%s", err, out)
	}
	if doc.Outputs["route"]["queue"] != "facilities" {
		t.Errorf("unexpected outputs: %v", doc.Outputs)
	}
	if doc.NeedsReview || doc.Partial {
		t.Errorf("expected a clean document, got review=%v partial=%v", doc.NeedsReview, doc.Partial)
	}

	shown, _, err := execute(t, "jobs", "show", doc.JobID, "--config", cfg, "--store", db, "--events")
	if err != nil {
		t.Fatalf("jobs show failed: %v", err)
	}
	var report struct {
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal([]byte(shown), &report); err != nil {
		t.Fatalf("jobs show output: %v", err)
	}
	if report.Job.Status != "completed" {
		t.Errorf("expected completed, got %q", report.Job.Status)
	}
	// waiting, invoking and complete for each of three agents
	if len(report.Events) < 9 {
		t.Errorf("expected at least 9 status events, got %d", len(report.Events))
	}

	listed, _, err := execute(t, "jobs", "list", "--config", cfg, "--store", db)
	if err != nil {
		t.Fatalf("jobs list failed: %v", err)
	}
	if !strings.Contains(listed, doc.JobID) {
		t.Errorf("job %s not listed:\n%s", doc.JobID, listed)
	}
}

func TestRunWithScriptedAnswers(t *testing.T) {
	dir := t.TempDir()
	weak := strings.Replace(testConfig, "category: hardware\n    static_confidence: 0.95", "category: hardware\n    static_confidence: 0.5", 1)
	cfg := writeTestFile(t, dir, "config.yaml", weak)
	answers := writeTestFile(t, dir, "answers.yaml", "- classify: it is a laser printer\n")

	out, stderr, err := execute(t, "run",
		"--config", cfg, "--store", "",
		"--playbook", "triage", "--answers", answers)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var doc struct {
		NeedsReview         bool           `json:"needs_review"`
		ClarificationRounds int            `json:"clarification_rounds"`
		Clarifications      map[string]any `json:"clarifications"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not a document: %v", err)
	}
	if doc.ClarificationRounds != 1 {
		t.Errorf("expected 1 clarification round, got %d", doc.ClarificationRounds)
	}
	if !doc.NeedsReview {
		t.Error("static agent stays below threshold, expected needs_review")
	}
	if doc.Clarifications["classify"] != "it is a laser printer" {
		t.Errorf("answers not recorded: %v", doc.Clarifications)
	}
	if !strings.Contains(stderr, "clarification round 1") {
		t.Errorf("expected clarification summary on stderr:\n%s", stderr)
	}
}

func TestRunFailedJobExitCode(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", `
agents:
  fetch:
    class: query
    static:
      rows: 3
  broken:
    class: query
    dependencies: [fetch]
    command: sh
    args: ["-c", "exit 1"]
playbooks:
  lookup:
    class: query
    graph:
      nodes: [fetch, broken]
runtime:
  max_retries: 0
`)

	out, _, err := execute(t, "run", "--config", cfg, "--store", "", "--playbook", "lookup")
	if !errors.Is(err, errJobFailed) {
		t.Fatalf("expected errJobFailed, got %v", err)
	}
	if code := exitCode(err); code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
	// The partial document is still printed
	if !strings.Contains(out, `"rows": 3`) {
		t.Errorf("expected partial outputs in document:\n%s", out)
	}
}

func TestRunRequiresPlaybookOrDomainAndClass(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", testConfig)

	_, _, err := execute(t, "run", "--config", cfg, "--domain", "tickets")
	if err == nil {
		t.Fatal("expected error without --class")
	}
	if code := exitCode(err); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestEnvironmentOverridesStore(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", testConfig)
	db := filepath.Join(dir, "env.db")
	t.Setenv("AGENTGRAPH_STORE", db)

	if _, _, err := execute(t, "run", "--config", cfg, "--playbook", "triage"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("expected store at %s: %v", db, err)
	}
}

// TestProcessManagerKillAllOnShutdown verifies that cancelling the run context
// kills tracked subprocesses, the way the run command wires it.
func TestRunShutdownRecordsCancelledAgent(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "config.yaml", `
agents:
  slow:
    class: query
    command: sh
    args: ["-c", "sleep 60"]
playbooks:
  wait:
    class: query
    graph:
      nodes: [slow]
runtime:
  max_retries: 0
`)
	store := filepath.Join(dir, "jobs.db")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	out, _, err := executeContext(t, ctx, "run", "--config", cfg, "--store", store, "--playbook", "wait")
	if !errors.Is(err, errJobFailed) {
		t.Fatalf("expected errJobFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("run took %v after shutdown", elapsed)
	}

	var doc struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decoding document: %v\n%s", err, out)
	}

	report, _, err := execute(t, "jobs", "show", doc.JobID, "--events", "--store", store)
	if err != nil {
		t.Fatalf("jobs show failed: %v", err)
	}
	if !strings.Contains(report, `"cancelled"`) {
		t.Errorf("expected agent to end cancelled:\n%s", report)
	}
	if strings.Contains(report, "signal: killed") {
		t.Errorf("agent recorded as killed instead of cancelled:\n%s", report)
	}
}

func TestKillLeftovers(t *testing.T) {
	pm := agent.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	var stderr bytes.Buffer
	a := &app{logger: slog.New(slog.NewTextHandler(&stderr, nil))}
	a.killLeftovers(pm)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after killLeftovers()")
	}
	if !strings.Contains(stderr.String(), "leftover") {
		t.Errorf("expected a warning, got %q", stderr.String())
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	// Use SIGUSR1 as a safe test signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// syncBuffer guards a bytes.Buffer written from the NATS client goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchStopsWhenJobFinishes(t *testing.T) {
	server, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("starting nats: %v", err)
	}
	defer server.Close()
	client, err := natsbus.NewClient(server)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	var out syncBuffer
	a := &app{stdout: &out}
	finished := make(chan struct{})
	sub, err := a.watch(client, []string{"job-1"}, false, func() { close(finished) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Unsubscribe()
	client.Flush()

	sink := natsbus.NewStatusSink(client)
	now := time.Now()
	sink.Emit(events.AgentStatusEvent{Status: core.StatusEvent{JobID: "job-1", AgentID: "extract", State: core.StateInvoking, Timestamp: now}})
	sink.Emit(events.JobEvent{Type: events.EventTypeJobFinished, Job: "job-1", Status: core.JobCompleted, Phase: "done", Timestamp: now})
	client.Flush()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on job finished")
	}
	got := out.String()
	if !strings.Contains(got, "agent extract") || !strings.Contains(got, "status=completed") {
		t.Errorf("unexpected watch output:\n%s", got)
	}
}
