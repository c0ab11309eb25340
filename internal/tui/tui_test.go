package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestView_DisplaysRunAndTaskMetrics(t *testing.T) {
	next := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	m := model{
		snap: Snapshot{
			DBOK:              true,
			TelegramConnected: true,
			ActiveRuns:        2,
			QueuedRuns:        1,
			TasksEnabled:      3,
			NextTaskAt:        next,
			Uptime:            90 * time.Second,
			LastError:         "upstream timeout",
			LastEvent:         "run-42 succeeded",
		},
	}
	view := m.View()

	for _, want := range []string{
		"DB OK: true",
		"Telegram connected: true",
		"Active Runs: 2",
		"Queued Runs: 1",
		"Tasks Enabled: 3",
		next.Format(time.RFC3339),
		"Uptime: 1m30s",
		"Last Error: upstream timeout",
		"Last Event: run-42 succeeded",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_RendersPlaceholdersWhenEmpty(t *testing.T) {
	m := model{snap: Snapshot{}}
	view := m.View()

	for _, want := range []string{
		"Last Error: (none)",
		"Last Event: (none)",
		"Next Task At: (none scheduled)",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestTUI_HeadlessNonTTY(t *testing.T) {
	provider := func() Snapshot {
		return Snapshot{
			DBOK:       true,
			ActiveRuns: 0,
			QueuedRuns: 0,
			Uptime:     5 * time.Second,
		}
	}

	m := model{provider: provider, snap: provider()}

	// Init should return a tick command without panicking.
	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	// Simulated key press "q" should signal quit.
	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	// Tick msg should update snapshot.
	m2 := model{provider: provider, snap: Snapshot{}}
	updated2, tickCmd := m2.Update(tickMsg(time.Now()))
	if tickCmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	updatedModel := updated2.(model)
	if !updatedModel.snap.DBOK {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	// View should produce non-empty output.
	view := m.View()
	if view == "" {
		t.Fatal("expected non-empty view output in headless mode")
	}

	// Run with context cancellation should exit cleanly.
	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately
	err := Run(cancelCtx, provider)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}
