// Package tui is a terminal dashboard for running jobs. It consumes the in-process
// event bus and shows each agent's state transitions live.
package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgentList PaneID = iota
	PaneAgentOutput
	PaneBatches
)

const paneCount = 3

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	batchPane   BatchPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	finished    bool
	quitOnDone  bool
}

// Option configures a Model.
type Option func(*Model)

// QuitWhenDone exits the program once a job finishes.
func QuitWhenDone() Option {
	return func(m *Model) { m.quitOnDone = true }
}

// New creates a TUI model subscribed to every topic on the bus.
func New(bus *events.EventBus, opts ...Option) Model {
	m := Model{
		agentPane:   NewAgentPaneModel(),
		batchPane:   NewBatchPaneModel(),
		focusedPane: PaneAgentList,
		eventSub:    bus.SubscribeAll(256),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.PrevPane):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Agents):
			m.focusedPane = PaneAgentList
			m.updateFocusStates()

		case key.Matches(msg, keys.Timeline):
			m.focusedPane = PaneAgentOutput
			m.updateFocusStates()

		case key.Matches(msg, keys.Progress):
			m.focusedPane = PaneBatches
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			m.agentPane, cmd = m.agentPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.AgentStatusEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)
		m.batchPane, _ = m.batchPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.BatchEvent:
		m.batchPane, _ = m.batchPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.JobEvent:
		m.batchPane, _ = m.batchPane.Update(msg)
		if msg.Type == events.EventTypeJobFinished {
			m.finished = true
			if m.quitOnDone {
				return m, tea.Quit
			}
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.batchPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

// computeLayout gives the agent pane 65% of the width and the batch pane the rest.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.batchPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocus(m.focusedPane == PaneAgentList, m.focusedPane == PaneAgentOutput)
	m.batchPane.SetFocused(m.focusedPane == PaneBatches)
}

// Finished reports whether a job-finished event was seen.
func (m Model) Finished() bool {
	return m.finished
}

// Counts returns the agent tallies shown in the batch pane.
func (m Model) Counts() Counts {
	return m.batchPane.Counts()
}

// SelectedAgent returns the agent highlighted in the list.
func (m Model) SelectedAgent() (AgentView, bool) {
	return m.agentPane.Selected()
}

// FocusedPane returns the focused pane.
func (m Model) FocusedPane() PaneID {
	return m.focusedPane
}

// agentState looks up one agent's latest state.
func (m Model) agentState(jobID, agentID string) core.AgentState {
	if a, ok := m.agentPane.agents[agentKey(jobID, agentID)]; ok {
		return a.State
	}
	return ""
}
