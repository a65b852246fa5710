// ABOUTME: Bubbletea model for the device agent dashboard
// ABOUTME: Defines application state and update logic
package ui

import (
	"fmt"

	"github.com/Chronosync-Protocol/chronosync-go/pkg/timesync"
	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	engineName string
	deviceID   string

	// Sync
	offsetUs int64
	rttUs    int64
	quality  timesync.Quality

	// Actions
	lastAction   string
	actionsFired int

	// Stats
	observations int

	// Debug
	showDebug bool

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderSync()
	s += m.renderActions()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders connection status
func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("Connected to %s", m.engineName)
	}

	return fmt.Sprintf(`┌─ Chronosync Agent ───────────────────────────────────┐
│ Status: %-45s │
│ Device: %-45s │
├──────────────────────────────────────────────────────┤
`, truncate(connStatus, 45), truncate(m.deviceID, 45))
}

// renderSync renders clock sync state
func (m Model) renderSync() string {
	syncIcon := "✗"
	syncText := "Lost"
	switch m.quality {
	case timesync.QualityGood:
		syncIcon = "✓"
		syncText = fmt.Sprintf("Synced (offset: %+.1fms, rtt: %.1fms)",
			float64(m.offsetUs)/1000.0, float64(m.rttUs)/1000.0)
	case timesync.QualityDegraded:
		syncIcon = "⚠"
		syncText = fmt.Sprintf("Degraded (offset: %+.1fms)", float64(m.offsetUs)/1000.0)
	}

	return fmt.Sprintf("│ Sync:   %s %-42s │\n│ Observations sent: %-33d │\n",
		syncIcon, truncate(syncText, 42), m.observations)
}

// renderActions renders coordinated action state
func (m Model) renderActions() string {
	last := m.lastAction
	if last == "" {
		last = "(none)"
	}

	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Last action: %-39s │
│ Actions fired: %-37d │
`, truncate(last, 39), m.actionsFired)
}

// renderDebug renders debug information
func (m Model) renderDebug() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ DEBUG:                                               │
│   Clock offset: %+dµs
│   Round trip:   %dµs
`, m.offsetUs, m.rttUs)
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `├──────────────────────────────────────────────────────┤
│ d:Debug  q:Quit                                      │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from a status message
func (m *Model) applyStatus(msg StatusMsg) {
	m.connected = msg.Connected
	if msg.EngineName != "" {
		m.engineName = msg.EngineName
	}
	if msg.DeviceID != "" {
		m.deviceID = msg.DeviceID
	}
	m.offsetUs = msg.OffsetUs
	m.rttUs = msg.RTTUs
	m.quality = msg.Quality
	if msg.LastAction != "" && msg.LastAction != m.lastAction {
		m.lastAction = msg.LastAction
		m.actionsFired++
	}
	if msg.Observations > 0 {
		m.observations = msg.Observations
	}
}

// StatusMsg updates TUI state from the agent loop
type StatusMsg struct {
	Connected    bool
	EngineName   string
	DeviceID     string
	OffsetUs     int64
	RTTUs        int64
	Quality      timesync.Quality
	LastAction   string
	Observations int
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
