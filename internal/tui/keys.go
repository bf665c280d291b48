package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the dashboard's bindings.
type keyMap struct {
	Quit     key.Binding
	NextPane key.Binding
	PrevPane key.Binding
	Agents   key.Binding
	Timeline key.Binding
	Progress key.Binding
	Up       key.Binding
	Down     key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	NextPane: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "cycle focus"),
	),
	PrevPane: key.NewBinding(
		key.WithKeys("shift+tab"),
	),
	Agents: key.NewBinding(
		key.WithKeys("1"),
		key.WithHelp("1/2/3", "jump to pane"),
	),
	Timeline: key.NewBinding(key.WithKeys("2")),
	Progress: key.NewBinding(key.WithKeys("3")),
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("j/k", "select agent"),
	),
	Down: key.NewBinding(key.WithKeys("j", "down")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Agents, k.Up, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	h := help.New()
	h.Styles.ShortKey = StyleHelp
	h.Styles.ShortDesc = StyleHelp
	h.Styles.ShortSeparator = StyleHelp
	return h.View(keys)
}
