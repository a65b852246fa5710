// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the agent dashboard
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// NewModel creates a fresh dashboard model
func NewModel() Model {
	return Model{}
}

// Run starts the dashboard. Feed it StatusMsg updates with Program.Send;
// the program exits when the user quits.
func Run() *tea.Program {
	return tea.NewProgram(NewModel(), tea.WithAltScreen())
}
