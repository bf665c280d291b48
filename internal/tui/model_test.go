package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
	"github.com/aristath/agentgraph/internal/orchestrator"
	"github.com/aristath/agentgraph/internal/synth"
)

func status(agentID string, state core.AgentState) events.AgentStatusEvent {
	return events.AgentStatusEvent{Status: core.StatusEvent{
		JobID:     "job-1",
		AgentID:   agentID,
		State:     state,
		Timestamp: time.Now(),
	}}
}

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModelTracksAgentStates(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		status("a", core.StateWaiting),
		status("b", core.StateWaiting),
		status("a", core.StateInvoking),
		status("a", core.StateComplete),
		status("b", core.StateInvoking),
		status("b", core.StateError),
	)

	if got := m.agentState("job-1", "a"); got != core.StateComplete {
		t.Errorf("a: expected complete, got %q", got)
	}
	if got := m.agentState("job-1", "b"); got != core.StateError {
		t.Errorf("b: expected error, got %q", got)
	}

	c := m.Counts()
	if c.Total != 2 || c.Complete != 1 || c.Failed != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}

	a, ok := m.SelectedAgent()
	if !ok {
		t.Fatal("expected a selected agent")
	}
	if a.AgentID != "a" {
		t.Errorf("expected first-seen agent selected, got %q", a.AgentID)
	}
	if len(a.Lines) != 3 {
		t.Errorf("expected 3 transition lines, got %d", len(a.Lines))
	}

	if view := m.View(); !strings.Contains(view, "Job Progress") {
		t.Error("view missing batch pane")
	}
}

func TestModelSelectionMovesWithKeys(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := update(t, New(bus),
		status("a", core.StateWaiting),
		status("b", core.StateWaiting),
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")},
	)
	a, _ := m.SelectedAgent()
	if a.AgentID != "b" {
		t.Errorf("expected b after j, got %q", a.AgentID)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	a, _ = m.SelectedAgent()
	if a.AgentID != "a" {
		t.Errorf("expected a after k, got %q", a.AgentID)
	}
}

func TestModelFocusCycles(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus)
	tab := tea.KeyMsg{Type: tea.KeyTab}
	for _, want := range []PaneID{PaneAgentOutput, PaneBatches, PaneAgentList} {
		m = update(t, m, tab)
		if m.FocusedPane() != want {
			t.Errorf("expected pane %d, got %d", want, m.FocusedPane())
		}
	}
}

func TestModelQuitsWhenJobFinishes(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, QuitWhenDone())
	next, cmd := m.Update(events.JobEvent{
		Type:   events.EventTypeJobFinished,
		Job:    "job-1",
		Status: core.JobCompleted,
	})
	if !next.(Model).Finished() {
		t.Error("expected finished")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestModelReceivesBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus)
	bus.Emit(events.BatchEvent{Job: "job-1", Index: 0, Total: 2})

	msg := m.Init()()
	if _, ok := msg.(events.BatchEvent); !ok {
		t.Fatalf("expected BatchEvent from bus, got %T", msg)
	}
}

func TestBatchPaneProgress(t *testing.T) {
	p := NewBatchPaneModel()
	p.SetSize(50, 20)
	p, _ = p.Update(events.BatchEvent{Job: "job-1", Index: 1, Total: 3, Round: 1, Settled: true})
	p, _ = p.Update(events.JobEvent{Type: events.EventTypeJobPhase, Job: "job-1", Phase: "clarify", Status: core.JobRunning, Round: 1})

	view := p.View()
	for _, want := range []string{"Batch:   2/3 settled", "Phase:   clarify", "Round:   1"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestClarificationFormAnswers(t *testing.T) {
	req := orchestrator.ClarificationRequest{
		JobID:  "job-1",
		Round:  1,
		Agents: []string{"risk", "billing"},
		LowConfidence: []synth.LowConfidenceField{
			{AgentID: "risk", Field: "score", Confidence: 0.4, Threshold: 0.7},
		},
	}
	f := NewClarificationForm(req)
	if len(f.answers) != 2 {
		t.Fatalf("expected 2 answer slots, got %d", len(f.answers))
	}

	*f.answers["risk"] = "  customer is enterprise  "
	got := f.Answers()
	if got["risk"] != "customer is enterprise" {
		t.Errorf("unexpected answer: %q", got["risk"])
	}
	if _, ok := got["billing"]; ok {
		t.Error("empty answers should be omitted")
	}
}

func TestWriteClarificationSummary(t *testing.T) {
	var buf bytes.Buffer
	WriteClarificationSummary(&buf, orchestrator.ClarificationRequest{
		JobID:  "job-1",
		Round:  2,
		Agents: []string{"risk"},
		LowConfidence: []synth.LowConfidenceField{
			{AgentID: "risk", Field: "score", Confidence: 0.4, Threshold: 0.7},
		},
	})
	out := buf.String()
	if !strings.Contains(out, "round 2") || !strings.Contains(out, "score: confidence 0.40 below 0.70") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}
