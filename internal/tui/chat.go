package tui

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/persistence"
	"github.com/chorushq/chorus/internal/reporter"
)

type chatRole int

const (
	chatRoleUser chatRole = iota
	chatRoleAssistant
	chatRoleSystem
)

type chatEntry struct {
	role chatRole
	text string
}

// RunIngester is the Run Service surface the chat front-end drives.
type RunIngester interface {
	IngestMessage(ctx context.Context, req persistence.IngestRequest) (persistence.CreateRunResult, error)
	InFlight(threadKey string) bool
	SubscribeRunProgress(runID string, listener bus.Listener, replay bool) func()
}

// progHolder bridges a reporter.Client's callbacks into the bubbletea Update
// loop. Bubbletea passes models by value, so a mutex cannot live directly on
// ChatModel; the *tea.Program handle only exists after tea.NewProgram
// constructs it from the initial model, so tuiClient needs a pointer it can
// fill in once the program starts.
type progHolder struct {
	mu sync.Mutex
	p  *tea.Program
}

func (h *progHolder) set(p *tea.Program) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
}

func (h *progHolder) send(msg tea.Msg) {
	h.mu.Lock()
	p := h.p
	h.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// statusMsg carries a rendered Progress Reporter body into the chat view.
type statusMsg struct{ text string }

// clearStatusMsg removes the status line, mirroring the Reporter's
// delete-on-empty-log terminal behavior.
type clearStatusMsg struct{}

// runDoneMsg carries a run's terminal outcome, observed off a live
// subscription independent of the Reporter's own (replay-capable) one, since
// the Reporter never surfaces Output/ErrorMessage to its Client.
type runDoneMsg struct {
	output string
	errMsg string
}

// tuiClient implements reporter.Client by pushing rendered text into the
// bubbletea Update loop instead of talking to a messenger API.
type tuiClient struct {
	holder *progHolder
}

func (c *tuiClient) SendMessage(ctx context.Context, route reporter.Route, text string) (string, error) {
	c.holder.send(statusMsg{text: text})
	return "status", nil
}

func (c *tuiClient) EditMessage(ctx context.Context, route reporter.Route, messageID, text string) error {
	c.holder.send(statusMsg{text: text})
	return nil
}

func (c *tuiClient) DeleteMessage(ctx context.Context, route reporter.Route, messageID string) error {
	c.holder.send(clearStatusMsg{})
	return nil
}

func (c *tuiClient) SendTyping(ctx context.Context, route reporter.Route) error { return nil }

// ChatModel is the chat REPL front-end: chat history plus a single status
// line reusing the Progress Reporter's line model. It drops the
// model-selector, agent-selector, and plan-view modes of the teacher's chat
// UI, since none of those concepts exist at this layer.
type ChatModel struct {
	runs        RunIngester
	repCfg      config.ReporterConfig
	logger      *slog.Logger
	threadKey   string
	userKey     string
	agentPrefix string

	holder *progHolder
	ctx    context.Context
	cancel context.CancelFunc

	history  []chatEntry
	input    []rune
	cursor   int
	status   string
	runID    string
	quitting bool
}

// NewChatModel constructs the chat front-end for a single local thread.
func NewChatModel(runs RunIngester, threadKey, userKey string, repCfg config.ReporterConfig, logger *slog.Logger) *ChatModel {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatModel{
		runs:        runs,
		repCfg:      repCfg,
		logger:      logger,
		threadKey:   threadKey,
		userKey:     userKey,
		agentPrefix: "chorus",
		holder:      &progHolder{},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the bubbletea program and blocks until the user quits.
func (m *ChatModel) Run() error {
	defer bestEffortResetTTY()
	defer m.cancel()

	p := tea.NewProgram(*m)
	m.holder.set(p)
	_, err := p.Run()
	return err
}

func (m ChatModel) Init() tea.Cmd { return nil }

type ingestResultMsg struct {
	result persistence.CreateRunResult
	err    error
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case statusMsg:
		m.status = msg.text
		return m, nil

	case clearStatusMsg:
		m.status = ""
		return m, nil

	case ingestResultMsg:
		if msg.err != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "error: " + humanError(msg.err)})
			return m, nil
		}
		if msg.result.Deduplicated {
			return m, nil
		}
		m.runID = msg.result.Run.RunID
		m.startReporting(msg.result.Run.RunID)
		return m, nil

	case runDoneMsg:
		switch {
		case msg.errMsg != "":
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "error: " + humanError(errors.New(msg.errMsg))})
		case msg.output != "":
			m.history = append(m.history, chatEntry{role: chatRoleAssistant, text: msg.output})
		}
		return m, nil
	}
	return m, nil
}

func (m ChatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlD:
		m.quitting = true
		m.cancel()
		return m, tea.Quit

	case tea.KeyEnter:
		return m.submit()

	case tea.KeyBackspace:
		if m.cursor > 0 {
			m.input = append(m.input[:m.cursor-1], m.input[m.cursor:]...)
			m.cursor--
		}
		return m, nil

	case tea.KeyLeft:
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case tea.KeyRight:
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil

	case tea.KeyRunes, tea.KeySpace:
		runes := msg.Runes
		if msg.Type == tea.KeySpace {
			runes = []rune{' '}
		}
		tail := append(append([]rune{}, runes...), m.input[m.cursor:]...)
		m.input = append(m.input[:m.cursor], tail...)
		m.cursor += len(runes)
		return m, nil
	}
	return m, nil
}

func (m ChatModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(string(m.input))
	m.input = nil
	m.cursor = 0
	if text == "" {
		return m, nil
	}
	m.history = append(m.history, chatEntry{role: chatRoleUser, text: text})

	mode := persistence.DeliveryModeFollowUp
	if m.runs.InFlight(m.threadKey) {
		mode = persistence.DeliveryModeSteer
	}

	runs := m.runs
	threadKey := m.threadKey
	userKey := m.userKey
	ctx := m.ctx

	return m, func() tea.Msg {
		result, err := runs.IngestMessage(ctx, persistence.IngestRequest{
			Source:       "cli",
			ThreadKey:    threadKey,
			UserKey:      userKey,
			Text:         text,
			DeliveryMode: mode,
		})
		return ingestResultMsg{result: result, err: err}
	}
}

// startReporting attaches a Progress Reporter driving the status line and a
// second, live-only subscription that captures the run's terminal output.
func (m *ChatModel) startReporting(runID string) {
	client := &tuiClient{holder: m.holder}
	rep := reporter.New(client, "tui", runID, m.threadKey, "working…", m.repCfg, m.logger)
	rep.Start(m.ctx, m.runs)

	holder := m.holder
	var unsubscribe func()
	unsubscribe = m.runs.SubscribeRunProgress(runID, func(ev bus.Event) {
		switch ev.Kind {
		case bus.KindSucceeded:
			holder.send(runDoneMsg{output: ev.Output})
			go unsubscribe()
		case bus.KindFailed:
			holder.send(runDoneMsg{errMsg: ev.ErrorMessage})
			go unsubscribe()
		}
	}, false)
}

func (m ChatModel) View() string {
	var b strings.Builder
	for _, e := range m.history {
		switch e.role {
		case chatRoleUser:
			b.WriteString("You: ")
		case chatRoleAssistant:
			b.WriteString(m.agentPrefix + ": ")
		case chatRoleSystem:
			b.WriteString("system: ")
		}
		b.WriteString(e.text)
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString("\n> ")
	b.WriteString(string(m.input))
	return b.String()
}
