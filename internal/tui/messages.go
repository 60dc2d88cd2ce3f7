package tui

import (
	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/models"
)

// eventMsg carries one inbound session event into the program.
type eventMsg struct {
	event models.Event
}

// stateMsg reports a connection state change.
type stateMsg struct {
	state client.State
	err   error
}

// actionDoneMsg is the result of a key-triggered action.
type actionDoneMsg struct {
	label string
	err   error
}
