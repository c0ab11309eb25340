// Package tui implements the terminal front-ends: a live operational status
// dashboard and a chat REPL driving the Run Service in-process.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is one sample of the daemon's operational state for the status
// dashboard.
type Snapshot struct {
	DBOK              bool
	ActiveRuns        int
	QueuedRuns        int
	TasksEnabled      int
	NextTaskAt        time.Time
	TelegramConnected bool
	LastError         string
	LastEvent         string
	Uptime            time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	nextTask := "(none scheduled)"
	if !m.snap.NextTaskAt.IsZero() {
		nextTask = m.snap.NextTaskAt.Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"chorus status\n\nDB OK: %t\nTelegram connected: %t\nActive Runs: %d\nQueued Runs: %d\nTasks Enabled: %d\nNext Task At: %s\nUptime: %s\nLast Error: %s\nLast Event: %s\n\nPress q to quit.\n",
		m.snap.DBOK,
		m.snap.TelegramConnected,
		m.snap.ActiveRuns,
		m.snap.QueuedRuns,
		m.snap.TasksEnabled,
		nextTask,
		m.snap.Uptime.Truncate(time.Second),
		lastErr,
		lastEvent,
	)
}

// Run drives the status dashboard until ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
