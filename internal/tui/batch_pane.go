package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
)

// BatchPaneModel shows job phase, batch progress and per-state agent counts.
type BatchPaneModel struct {
	states  map[string]core.AgentState // job/agent -> latest state
	batch   int
	batches int
	round   int
	settled bool
	phase   string
	status  core.JobStatus
	reason  string
	width   int
	height  int
	focused bool
}

// NewBatchPaneModel creates an empty batch pane.
func NewBatchPaneModel() BatchPaneModel {
	return BatchPaneModel{states: make(map[string]core.AgentState)}
}

// Counts tallies agents by state.
type Counts struct {
	Total, Waiting, Running, Complete, Failed, Blocked int
}

// Update handles messages for the batch pane.
func (m BatchPaneModel) Update(msg tea.Msg) (BatchPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.AgentStatusEvent:
		m.states[agentKey(msg.Status.JobID, msg.Status.AgentID)] = msg.Status.State

	case events.BatchEvent:
		m.batch = msg.Index + 1
		m.batches = msg.Total
		m.round = msg.Round
		m.settled = msg.Settled

	case events.JobEvent:
		if msg.Phase != "" {
			m.phase = msg.Phase
		}
		m.status = msg.Status
		m.reason = msg.Reason
		m.round = msg.Round
	}
	return m, nil
}

// Counts returns the current tallies.
func (m BatchPaneModel) Counts() Counts {
	var c Counts
	for _, st := range m.states {
		c.Total++
		switch st {
		case core.StateWaiting:
			c.Waiting++
		case core.StateInvoking, core.StateCallingTool:
			c.Running++
		case core.StateComplete:
			c.Complete++
		case core.StateError:
			c.Failed++
		case core.StateBlocked:
			c.Blocked++
		}
	}
	return c
}

// View renders the batch pane.
func (m BatchPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Job Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	status := string(m.status)
	if status == "" {
		status = "pending"
	}
	if m.reason != "" {
		status += " (" + m.reason + ")"
	}
	fmt.Fprintf(&b, "Status:  %s\n", status)
	fmt.Fprintf(&b, "Phase:   %s\n", m.phase)
	if m.batches > 0 {
		state := "running"
		if m.settled {
			state = "settled"
		}
		fmt.Fprintf(&b, "Batch:   %d/%d %s\n", m.batch, m.batches, state)
	}
	fmt.Fprintf(&b, "Round:   %d\n\n", m.round)

	c := m.Counts()
	fmt.Fprintf(&b, "Complete: %s\n", StyleStatusComplete.Render(fmt.Sprint(c.Complete)))
	fmt.Fprintf(&b, "Running:  %s\n", StyleStatusRunning.Render(fmt.Sprint(c.Running)))
	fmt.Fprintf(&b, "Failed:   %s\n", StyleStatusFailed.Render(fmt.Sprint(c.Failed)))
	fmt.Fprintf(&b, "Blocked:  %s\n", StyleStatusBlocked.Render(fmt.Sprint(c.Blocked)))
	fmt.Fprintf(&b, "Waiting:  %s\n\n", StyleStatusPending.Render(fmt.Sprint(c.Waiting)))

	if c.Total > 0 {
		b.WriteString(progressBar(c, min(m.width-4, 40)))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func progressBar(c Counts, width int) string {
	if width <= 0 || c.Total == 0 {
		return ""
	}
	done := (c.Complete * width) / c.Total
	failed := ((c.Failed + c.Blocked) * width) / c.Total
	running := (c.Running * width) / c.Total
	pending := width - done - failed - running

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pending)))
	return fmt.Sprintf("[%s]  %d/%d", bar, c.Complete+c.Failed+c.Blocked, c.Total)
}

// SetSize updates the pane dimensions.
func (m *BatchPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *BatchPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
