package tui

import (
	"context"
	"time"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/tui/components"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxUpdates = 12
	maxHistory = 40
)

type updateEntry struct {
	file       string
	sinceBuild int64
	at         time.Time
}

// Model is the live dashboard: connection state, the latest metrics sample
// and the most recent file updates.
type Model struct {
	ctrl   Controller
	server string
	now    func() time.Time

	state    client.State
	stateErr error

	metrics     models.MetricsPayload
	haveMetrics bool
	memHistory  []float64

	updates   []updateEntry
	lastError string
	status    string

	spinner spinner.Model
	width   int
	height  int
}

func NewModel(ctrl Controller, server string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(components.ColorAccent))

	return Model{
		ctrl:    ctrl,
		server:  server,
		now:     time.Now,
		state:   client.StateConnecting,
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stateMsg:
		m.state = msg.state
		if msg.err != nil {
			m.stateErr = msg.err
		}
		if msg.state == client.StateOpen {
			m.stateErr = nil
		}
		return m, nil

	case eventMsg:
		return m.handleEvent(msg.event), nil

	case actionDoneMsg:
		if msg.err != nil {
			m.status = components.ErrorStyle.Render("✗ " + msg.label + ": " + msg.err.Error())
		} else {
			m.status = components.StatusConnectedStyle.Render("✓ " + msg.label)
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if components.IsQuitKey(key) {
		return m, tea.Quit
	}

	switch key {
	case components.KeyReconnect:
		m.status = "reconnecting…"
		return m, runAction("reconnect", func(context.Context) error { return m.ctrl.Reconnect() })
	case components.KeyBuildStart:
		return m, runAction("build start marked", m.ctrl.MarkBuildStart)
	case components.KeyHMRApplied:
		return m, runAction("hmr applied marked", m.ctrl.MarkHMRApplied)
	case components.KeyClear:
		m.updates = nil
		m.lastError = ""
		m.status = ""
	}
	return m, nil
}

func (m Model) handleEvent(ev models.Event) Model {
	switch p := ev.Payload.(type) {
	case models.MetricsPayload:
		m.metrics = p
		m.haveMetrics = true
		m.memHistory = append(m.memHistory, p.Memory)
		if len(m.memHistory) > maxHistory {
			m.memHistory = m.memHistory[len(m.memHistory)-maxHistory:]
		}
	case models.UpdatePayload:
		entry := updateEntry{file: p.File, sinceBuild: p.Time, at: m.now()}
		m.updates = append([]updateEntry{entry}, m.updates...)
		if len(m.updates) > maxUpdates {
			m.updates = m.updates[:maxUpdates]
		}
	case models.ErrorPayload:
		m.lastError = p.Message
	}
	return m
}
