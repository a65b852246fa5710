// ABOUTME: Tests for the agent dashboard model
// ABOUTME: Covers status updates, key handling, and view rendering
package ui

import (
	"strings"
	"testing"

	"github.com/Chronosync-Protocol/chronosync-go/pkg/timesync"
	tea "github.com/charmbracelet/bubbletea"
)

func TestInitReturnsNoCommand(t *testing.T) {
	m := NewModel()
	if cmd := m.Init(); cmd != nil {
		t.Error("Init should not return a command")
	}
}

func TestViewBeforeSizeIsLoading(t *testing.T) {
	m := NewModel()
	if got := m.View(); got != "Loading..." {
		t.Errorf("view before window size = %q", got)
	}
}

func updated(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model
}

func TestWindowSizeEnablesRendering(t *testing.T) {
	m := NewModel()
	m = updated(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})

	view := m.View()
	if !strings.Contains(view, "Chronosync Agent") {
		t.Error("view missing title")
	}
	if !strings.Contains(view, "Disconnected") {
		t.Error("view should show disconnected before status arrives")
	}
}

func TestStatusUpdateRendersSync(t *testing.T) {
	m := NewModel()
	m = updated(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	m = updated(t, m, StatusMsg{
		Connected:    true,
		EngineName:   "lab-engine",
		DeviceID:     "dev-123",
		OffsetUs:     1500,
		RTTUs:        900,
		Quality:      timesync.QualityGood,
		Observations: 7,
	})

	view := m.View()
	if !strings.Contains(view, "Connected to lab-engine") {
		t.Error("view missing connection line")
	}
	if !strings.Contains(view, "dev-123") {
		t.Error("view missing device id")
	}
	if !strings.Contains(view, "+1.5ms") {
		t.Errorf("view missing offset: %s", view)
	}
}

func TestQualityLostRendering(t *testing.T) {
	m := NewModel()
	m = updated(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	m = updated(t, m, StatusMsg{Connected: true, Quality: timesync.QualityLost})

	if !strings.Contains(m.View(), "Lost") {
		t.Error("view should report lost sync")
	}
}

func TestActionCounting(t *testing.T) {
	m := NewModel()

	m = updated(t, m, StatusMsg{LastAction: "start_recording"})
	if m.actionsFired != 1 {
		t.Errorf("actions fired = %d, want 1", m.actionsFired)
	}

	// Same action repeated in status does not double-count
	m = updated(t, m, StatusMsg{LastAction: "start_recording"})
	if m.actionsFired != 1 {
		t.Errorf("actions fired = %d after repeat, want 1", m.actionsFired)
	}

	m = updated(t, m, StatusMsg{LastAction: "stop_recording"})
	if m.actionsFired != 2 {
		t.Errorf("actions fired = %d, want 2", m.actionsFired)
	}
	if m.lastAction != "stop_recording" {
		t.Errorf("last action = %q", m.lastAction)
	}
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "ctrl+c"} {
		m := NewModel()
		var msg tea.KeyMsg
		if key == "ctrl+c" {
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		} else {
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
		}

		_, cmd := m.Update(msg)
		if cmd == nil {
			t.Errorf("key %q should quit", key)
		}
	}
}

func TestDebugToggle(t *testing.T) {
	m := NewModel()
	m = updated(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})

	if strings.Contains(m.View(), "DEBUG") {
		t.Error("debug shown by default")
	}

	m = updated(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	if !strings.Contains(m.View(), "DEBUG") {
		t.Error("debug not shown after toggle")
	}

	m = updated(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	if strings.Contains(m.View(), "DEBUG") {
		t.Error("debug still shown after second toggle")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("a very long string indeed", 10); got != "a very ..." {
		t.Errorf("truncate long = %q", got)
	}
}
