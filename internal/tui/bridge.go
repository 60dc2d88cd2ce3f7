package tui

import (
	"context"
	"time"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/models"
	tea "github.com/charmbracelet/bubbletea"
)

// Controller is what the dashboard may ask of the outside world.
type Controller interface {
	Reconnect() error
	MarkBuildStart(ctx context.Context) error
	MarkHMRApplied(ctx context.Context) error
}

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// Subscribe routes state changes and the events the dashboard shows from m
// into p.
func Subscribe(m *client.Manager, p Sender) {
	forward := func(ev models.Event) { p.Send(eventMsg{event: ev}) }
	m.On(models.MetricsEvent, forward)
	m.On(models.UpdateEvent, forward)
	m.On(models.ErrorEvent, forward)
	m.OnStateChange(func(s client.State) {
		p.Send(stateMsg{state: s, err: m.Err()})
	})
}

// SessionController drives a client Manager and a Marker.
type SessionController struct {
	Manager *client.Manager
	Marker  *client.Marker
}

func (c SessionController) Reconnect() error {
	return c.Manager.Reconnect()
}

func (c SessionController) MarkBuildStart(ctx context.Context) error {
	_, err := c.Marker.BuildStart(ctx)
	return err
}

func (c SessionController) MarkHMRApplied(ctx context.Context) error {
	_, err := c.Marker.HMRApplied(ctx)
	return err
}

const actionTimeout = 5 * time.Second

func runAction(label string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{label: label, err: fn(ctx)}
	}
}
