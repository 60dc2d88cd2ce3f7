package handlers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/recovery"
	"github.com/bananajs/banana/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// SessionOptions configures the shells started for new channels.
type SessionOptions struct {
	Shell        string
	WorkspaceDir string
	Cols         uint16
	Rows         uint16
	SendQueue    int
}

// SessionHandler accepts terminal channels over WebSocket. Each channel gets
// its own shell and is registered for broadcasts.
type SessionHandler struct {
	registry *services.ConnectionRegistry
	spawner  services.Spawner
	policy   *services.CommandPolicy
	opts     SessionOptions

	mu       sync.Mutex
	sessions map[string]*terminalSession
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(registry *services.ConnectionRegistry, spawner services.Spawner, policy *services.CommandPolicy, opts SessionOptions) *SessionHandler {
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	return &SessionHandler{
		registry: registry,
		spawner:  spawner,
		policy:   policy,
		opts:     opts,
		sessions: make(map[string]*terminalSession),
	}
}

// RegisterRoutes registers the session gateway
func (h *SessionHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/session", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request and runs the channel until it closes.
// GET /v1/session?cols=120&rows=40&cwd=packages/app
func (h *SessionHandler) HandleWebSocket(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		// Query values must be read before the upgrade hands off the request.
		cols := parseDimension(c.Query("cols"), h.opts.Cols)
		rows := parseDimension(c.Query("rows"), h.opts.Rows)
		dir := h.resolveDir(c.Query("cwd"))
		remote := c.IP()

		return websocket.New(func(conn *websocket.Conn) {
			h.serve(conn, remote, dir, cols, rows)
		})(c)
	}
	return fiber.ErrUpgradeRequired
}

func (h *SessionHandler) serve(conn *websocket.Conn, remote, dir string, cols, rows uint16) {
	ch := newWSChannel(uuid.New().String(), conn, h.opts.SendQueue)
	recovery.SafeGo("session-writer-"+ch.ID(), ch.writePump)

	s := &terminalSession{
		handler: h,
		channel: ch,
		guard:   services.NewLineGuard(h.policy),
		dir:     dir,
		cols:    cols,
		rows:    rows,
	}

	if err := h.registry.Register(ch); err != nil {
		logger.Errorf("❌ Failed to register channel %s: %v", ch.ID(), err)
		ch.close()
		return
	}
	h.track(s)
	defer s.teardown()

	logger.WithFields(map[string]interface{}{
		"channel": ch.ID(),
		"remote":  remote,
		"size":    fmt.Sprintf("%dx%d", cols, rows),
		"dir":     dir,
	}).Info().Msg("📡 New session channel")

	if err := s.spawn(); err != nil {
		// The channel stays registered for broadcasts without a process.
		_ = ch.Send(models.NewError("failed to start shell: %v", err))
	}

	s.readLoop(conn)
}

func (h *SessionHandler) track(s *terminalSession) {
	h.mu.Lock()
	h.sessions[s.channel.ID()] = s
	h.mu.Unlock()
}

func (h *SessionHandler) untrack(s *terminalSession) {
	h.mu.Lock()
	if h.sessions[s.channel.ID()] == s {
		delete(h.sessions, s.channel.ID())
	}
	h.mu.Unlock()
}

// Sessions returns the number of live terminal channels.
func (h *SessionHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown tears down every open channel and its process.
func (h *SessionHandler) Shutdown() {
	h.mu.Lock()
	sessions := make([]*terminalSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.teardown()
	}
	if len(sessions) > 0 {
		logger.Infof("🧹 Closed %d session channels", len(sessions))
	}
}

// resolveDir keeps the requested cwd inside the workspace and falls back to
// the workspace root otherwise.
func (h *SessionHandler) resolveDir(requested string) string {
	root := h.opts.WorkspaceDir
	if root == "" {
		root, _ = os.Getwd()
	}
	if requested == "" {
		return root
	}

	dir := requested
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		logger.Warnf("⚠️ Requested cwd %q is outside the workspace, using %s", requested, root)
		return root
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Warnf("⚠️ Requested cwd %q does not exist, using %s", requested, root)
		return root
	}
	return dir
}

func parseDimension(raw string, fallback uint16) uint16 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 65535 {
		return fallback
	}
	return uint16(n)
}

// terminalSession binds one channel to at most one live process.
type terminalSession struct {
	handler *SessionHandler
	channel *wsChannel
	guard   *services.LineGuard

	mu      sync.Mutex
	proc    services.Process
	dir     string
	cols    uint16
	rows    uint16
	closing bool

	teardownOnce sync.Once
}

// spawn starts a process unless one is already alive. A dead process is
// released first.
func (s *terminalSession) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return services.ErrChannelClosed
	}
	if s.proc != nil {
		if s.proc.Alive() {
			return nil
		}
		_ = s.proc.Kill()
		s.proc = nil
	}

	proc, err := s.handler.spawner.Spawn(services.SpawnOptions{
		Command: s.handler.opts.Shell,
		Dir:     s.dir,
		Cols:    s.cols,
		Rows:    s.rows,
		Env:     []string{"BANANA_CHANNEL_ID=" + s.channel.ID()},
	})
	if err != nil {
		logger.Errorf("❌ Failed to spawn shell for channel %s: %v", s.channel.ID(), err)
		return err
	}
	s.proc = proc
	recovery.SafeGo("session-output-"+s.channel.ID(), func() { s.pumpOutput(proc) })
	return nil
}

// process returns the live process, or nil.
func (s *terminalSession) process() services.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || !s.proc.Alive() {
		return nil
	}
	return s.proc
}

// pumpOutput forwards output in order and reports the exit once output is
// exhausted.
func (s *terminalSession) pumpOutput(proc services.Process) {
	var pending []byte
	for chunk := range proc.Output() {
		pending = append(pending, chunk...)
		valid, rest := splitValidUTF8(pending)
		if len(valid) > 0 {
			if err := s.channel.sendWait(models.NewTerminalOutput(string(valid))); err != nil {
				return
			}
		}
		pending = append(pending[:0], rest...)
	}
	if len(pending) > 0 {
		if err := s.channel.sendWait(models.NewTerminalOutput(string(pending))); err != nil {
			return
		}
	}

	<-proc.Done()

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}
	logger.Infof("🛑 Shell for channel %s exited", s.channel.ID())
	_ = s.channel.sendWait(models.NewError("process exited"))
}

// splitValidUTF8 returns the longest prefix of b that does not end in the
// middle of a multi-byte sequence.
func splitValidUTF8(b []byte) (valid, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func (s *terminalSession) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf("⚠️ Channel %s closed unexpectedly: %v", s.channel.ID(), err)
			} else {
				logger.Debugf("🔌 Channel %s closed: %v", s.channel.ID(), err)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			s.dispatch(models.NewTerminalInput(string(data)))
			continue
		}

		ev, err := models.ParseEvent(data)
		if err != nil {
			logger.Warnf("⚠️ Dropping malformed frame on channel %s: %v", s.channel.ID(), err)
			continue
		}
		s.dispatch(ev)
	}
}

type eventHandler func(s *terminalSession, ev models.Event) error

var sessionHandlers = map[models.EventType]eventHandler{
	models.CommandEvent:       (*terminalSession).handleCommand,
	models.TerminalInputEvent: (*terminalSession).handleTerminalInput,
	models.ResizeEvent:        (*terminalSession).handleResize,
	models.PingEvent:          (*terminalSession).handlePing,
}

func (s *terminalSession) dispatch(ev models.Event) {
	handle, ok := sessionHandlers[ev.Type]
	if !ok {
		logger.Debugf("Ignoring %s event on channel %s", ev.Type, s.channel.ID())
		return
	}
	if err := handle(s, ev); err != nil {
		logger.Debugf("⚠️ %s on channel %s: %v", ev.Type, s.channel.ID(), err)
		_ = s.channel.Send(models.NewError("%v", err))
	}
}

var errNoProcess = errors.New("no running process; send a command to start one")

func (s *terminalSession) handleCommand(ev models.Event) error {
	payload, ok := ev.Payload.(models.CommandPayload)
	if !ok {
		return fmt.Errorf("invalid command payload")
	}
	if err := s.handler.policy.Check(payload.Command); err != nil {
		logger.Warnf("🚫 Blocked command on channel %s: %v", s.channel.ID(), err)
		return err
	}

	proc := s.process()
	if proc == nil {
		if err := s.spawn(); err != nil {
			return fmt.Errorf("failed to start shell: %w", err)
		}
		if proc = s.process(); proc == nil {
			return errNoProcess
		}
	}
	return proc.Write([]byte(payload.Command + "\n"))
}

func (s *terminalSession) handleTerminalInput(ev models.Event) error {
	payload, ok := ev.Payload.(models.TerminalInputPayload)
	if !ok {
		return fmt.Errorf("invalid terminal-input payload")
	}

	data, policyErr := s.guard.Filter(payload.Data)
	if policyErr != nil {
		logger.Warnf("🚫 Blocked terminal input on channel %s: %v", s.channel.ID(), policyErr)
	}
	if data != "" {
		proc := s.process()
		if proc == nil {
			return errNoProcess
		}
		if err := proc.Write([]byte(data)); err != nil {
			return err
		}
	}
	return policyErr
}

func (s *terminalSession) handleResize(ev models.Event) error {
	payload, ok := ev.Payload.(models.ResizePayload)
	if !ok {
		return fmt.Errorf("invalid resize payload")
	}
	if payload.Cols <= 0 || payload.Rows <= 0 || payload.Cols > 65535 || payload.Rows > 65535 {
		return fmt.Errorf("invalid terminal size %dx%d", payload.Cols, payload.Rows)
	}
	cols, rows := uint16(payload.Cols), uint16(payload.Rows)

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if proc := s.process(); proc != nil {
		return proc.Resize(cols, rows)
	}
	return nil
}

func (s *terminalSession) handlePing(models.Event) error {
	return s.channel.Send(models.NewPong())
}

// teardown kills the process, unregisters and closes the channel. Only the
// first call does anything.
func (s *terminalSession) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		proc := s.proc
		s.proc = nil
		s.mu.Unlock()

		if proc != nil {
			if err := proc.Kill(); err != nil {
				logger.Debugf("Kill for channel %s: %v", s.channel.ID(), err)
			}
		}
		s.handler.registry.Unregister(s.channel)
		s.channel.close()
		s.handler.untrack(s)
		logger.Infof("👋 Session channel %s closed", s.channel.ID())
	})
}
