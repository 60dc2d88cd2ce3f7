package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectInput(t *testing.T, input string, sendErr error) []string {
	t.Helper()
	var sent []string
	pumpInput(strings.NewReader(input), func(ev models.Event) error {
		p, ok := ev.Payload.(models.TerminalInputPayload)
		require.True(t, ok)
		sent = append(sent, p.Data)
		return sendErr
	})
	return sent
}

func TestPumpInput_ForwardsUntilEOF(t *testing.T) {
	assert.Equal(t, []string{"ls -la\r"}, collectInput(t, "ls -la\r", nil))
}

func TestPumpInput_StopsAtDetachKey(t *testing.T) {
	assert.Equal(t, []string{"pwd"}, collectInput(t, "pwd\x1dexit\r", nil))
	assert.Empty(t, collectInput(t, "\x1d", nil))
}

func TestPumpInput_DropsWhileReconnecting(t *testing.T) {
	var calls int
	pumpInput(strings.NewReader("a"), func(models.Event) error {
		calls++
		return client.ErrNotOpen
	})
	assert.Equal(t, 1, calls)

	// Any other send error ends the pump.
	sent := collectInput(t, "abc", errors.New("broken"))
	assert.Len(t, sent, 1)
}

func TestTermSize(t *testing.T) {
	s := &termSize{cols: 80, rows: 24}
	assert.False(t, s.set(80, 24))
	assert.False(t, s.set(0, 10))
	assert.True(t, s.set(120, 40))
	cols, rows := s.get()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)
}

func TestAttachStatus(t *testing.T) {
	var out bytes.Buffer
	s := &attachStatus{out: &out}

	s.Notify(client.StateOpen, nil)
	assert.Empty(t, out.String())

	s.setRaw(true)
	s.Notify(client.StateError, errors.New("EOF"))
	assert.Contains(t, out.String(), "connection lost: EOF")
	assert.Contains(t, out.String(), "\r\n")

	s.Notify(client.StateOpen, nil)
	assert.Contains(t, out.String(), "reconnected")
}
