package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/events"
)

const listWidth = 28

// AgentView is what the dashboard knows about one agent in one job.
type AgentView struct {
	JobID      string
	AgentID    string
	State      core.AgentState
	Confidence float64
	Attempts   int
	Round      int
	Lines      []string
	Started    time.Time
	Updated    time.Time
}

// AgentPaneModel is the agent list plus a viewport of the selected agent's
// transitions.
type AgentPaneModel struct {
	agents      map[string]*AgentView // job/agent -> view
	order       []string              // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	listFocused bool
	outputFocus bool
	updateTag   int
}

// NewAgentPaneModel creates an empty agent pane.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		agents:   make(map[string]*AgentView),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes during bursts of tool calls.
type tickMsg struct {
	tag int
}

func agentKey(jobID, agentID string) string {
	return jobID + "/" + agentID
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case m.listFocused:
			switch {
			case key.Matches(msg, keys.Down):
				if m.selectedIdx < len(m.order)-1 {
					m.selectedIdx++
					m.updateViewportContent()
				}
			case key.Matches(msg, keys.Up):
				if m.selectedIdx > 0 {
					m.selectedIdx--
					m.updateViewportContent()
				}
			}
		case m.outputFocus:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.AgentStatusEvent:
		st := msg.Status
		key := agentKey(st.JobID, st.AgentID)
		a, ok := m.agents[key]
		if !ok {
			a = &AgentView{JobID: st.JobID, AgentID: st.AgentID, Started: st.Timestamp}
			m.agents[key] = a
			m.order = append(m.order, key)
			if len(m.order) == 1 {
				m.selectedIdx = 0
			}
		}
		a.State = st.State
		a.Round = st.Round
		a.Updated = st.Timestamp
		if st.Attempt > 0 {
			a.Attempts = st.Attempt
		}
		if st.State == core.StateComplete {
			a.Confidence = st.Confidence
		}
		a.Lines = append(a.Lines, formatTransition(st))

		if m.selectedKey() != key {
			break
		}
		if st.State == core.StateCallingTool {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}
		m.updateViewportContent()

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func formatTransition(st core.StatusEvent) string {
	line := fmt.Sprintf("%s  %-12s", st.Timestamp.Format("15:04:05.000"), st.State)
	if st.Round > 0 {
		line += fmt.Sprintf(" r%d", st.Round)
	}
	if st.State == core.StateComplete {
		line += fmt.Sprintf(" confidence=%.2f", st.Confidence)
	}
	if st.Message != "" {
		line += "  " + st.Message
	}
	return line
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	outputWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(),
		lipgloss.NewStyle().
			Width(outputWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.listFocused || m.outputFocus {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderAgentList() string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for a job..."))
	}
	for i, key := range m.order {
		a := m.agents[key]
		name := a.AgentID
		if len(name) > listWidth-10 {
			name = name[:listWidth-13] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(a.State), name)
		if a.State == core.StateComplete {
			line += StyleStatusPending.Render(fmt.Sprintf(" %.2f", a.Confidence))
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

func (m AgentPaneModel) selectedKey() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected agent, if any.
func (m AgentPaneModel) Selected() (AgentView, bool) {
	a, ok := m.agents[m.selectedKey()]
	if !ok {
		return AgentView{}, false
	}
	return *a, true
}

func (m *AgentPaneModel) updateViewportContent() {
	a, ok := m.agents[m.selectedKey()]
	if !ok {
		m.viewport.SetContent("Waiting for agents...")
		return
	}
	header := fmt.Sprintf("%s  job %s  attempts %d", a.AgentID, a.JobID, a.Attempts)
	m.viewport.SetContent(header + "\n\n" + strings.Join(a.Lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocus sets which half of the pane receives keys.
func (m *AgentPaneModel) SetFocus(list, output bool) {
	m.listFocused = list
	m.outputFocus = output
}
