package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/recovery"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "💻 Open a terminal session on a running server",
	Long: `# 💻 Attach to a Session

**Opens the same shell session a browser tab gets, in this terminal.**

The connection reconnects with backoff if the server goes away and comes
back. Press **Ctrl-]** to detach.

## 💡 Examples

` + "```bash\nbanana attach\nbanana attach --server http://devbox:3000 --token $BANANA_TOKEN\n```",
	RunE: runAttach,
}

// detachKey is Ctrl-].
const detachKey = 0x1d

const sizePollInterval = 250 * time.Millisecond

func init() {
	rootCmd.AddCommand(attachCmd)
	addClientFlags(attachCmd)
}

var (
	attachErrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	attachInfoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	attachOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

func runAttach(cmd *cobra.Command, args []string) error {
	configureLogging(devMode, "")

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	size := &termSize{cols: 80, rows: 24}
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			size.set(w, h)
		}
	}

	cols, rows := size.get()
	url, err := client.SessionURL(serverURL, authToken, cols, rows)
	if err != nil {
		return err
	}

	status := &attachStatus{out: os.Stderr}
	m := client.NewManager(client.Options{URL: url, Notifier: status})
	m.On(models.TerminalOutputEvent, func(ev models.Event) {
		if p, ok := ev.Payload.(models.TerminalOutputPayload); ok {
			_, _ = io.WriteString(os.Stdout, p.Data)
		}
	})
	m.On(models.ErrorEvent, func(ev models.Event) {
		if p, ok := ev.Payload.(models.ErrorPayload); ok {
			status.line(attachErrStyle.Render("⚠ " + p.Message))
		}
	})
	// Updates and metrics belong to the dashboard.
	m.OnDefault(func(models.Event) {})
	m.OnStateChange(func(s client.State) {
		if s == client.StateOpen {
			c, r := size.get()
			_ = m.Send(models.NewResize(c, r))
		}
	})

	if err := m.Connect(); err != nil {
		_ = m.Close()
		return err
	}
	defer m.Close()

	if interactive {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, oldState) }()
		status.setRaw(true)
	}
	status.line(attachInfoStyle.Render(fmt.Sprintf("🍌 attached to %s (Ctrl-] to detach)", serverURL)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detached := make(chan struct{})
	recovery.SafeGoWithCleanup("attach-stdin", func() {
		pumpInput(os.Stdin, m.Send)
	}, func() { close(detached) })

	if interactive {
		recovery.SafeGo("attach-resize", func() { watchSize(ctx, fd, size, m.Send) })
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-detached:
			return nil
		case <-ticker.C:
			if !m.Idle() {
				continue
			}
			if m.State() == client.StateFailed {
				return fmt.Errorf("gave up reconnecting: %w", m.Err())
			}
			return nil
		}
	}
}

// pumpInput forwards raw keystrokes until EOF or the detach key.
// Keystrokes typed while the channel is reconnecting are dropped.
func pumpInput(r io.Reader, send func(models.Event) error) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			detach := false
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				chunk = chunk[:i]
				detach = true
			}
			if len(chunk) > 0 {
				if err := send(models.NewTerminalInput(string(chunk))); err != nil && !errors.Is(err, client.ErrNotOpen) {
					return
				}
			}
			if detach {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func watchSize(ctx context.Context, fd int, size *termSize, send func(models.Event) error) {
	ticker := time.NewTicker(sizePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w, h, err := term.GetSize(fd)
			if err != nil || !size.set(w, h) {
				continue
			}
			_ = send(models.NewResize(w, h))
		}
	}
}

type termSize struct {
	mu   sync.Mutex
	cols int
	rows int
}

// set stores the size and reports whether it changed.
func (s *termSize) set(cols, rows int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols <= 0 || rows <= 0 || (cols == s.cols && rows == s.rows) {
		return false
	}
	s.cols, s.rows = cols, rows
	return true
}

func (s *termSize) get() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// attachStatus prints connection changes between shell output.
type attachStatus struct {
	mu     sync.Mutex
	out    io.Writer
	raw    bool
	broken bool
}

func (s *attachStatus) setRaw(raw bool) {
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
}

func (s *attachStatus) line(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eol := "\n"
	if s.raw {
		eol = "\r\n"
	}
	fmt.Fprint(s.out, eol+text+eol)
}

func (s *attachStatus) Notify(state client.State, err error) {
	switch state {
	case client.StateError:
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
		if err != nil {
			s.line(attachErrStyle.Render("⚠ connection lost: " + err.Error()))
		}
	case client.StateFailed:
		s.line(attachErrStyle.Render("✗ giving up"))
	case client.StateOpen:
		s.mu.Lock()
		wasBroken := s.broken
		s.broken = false
		s.mu.Unlock()
		if wasBroken {
			s.line(attachOKStyle.Render("✓ reconnected"))
		}
	}
}
