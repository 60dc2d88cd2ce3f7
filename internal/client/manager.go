package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/recovery"
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateError
	// StateFailed is reached when MaxAttempts reconnects have failed. Only an
	// explicit Connect or Reconnect leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotOpen          = errors.New("channel is not open")
	ErrClosed           = errors.New("manager closed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// StatusNotifier is the only thing a Manager knows about the UI.
type StatusNotifier interface {
	Notify(state State, err error)
}

// Handler receives one inbound event.
type Handler func(models.Event)

type Options struct {
	URL string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ConnectTimeout    time.Duration

	Clock    Clock
	Dialer   Dialer
	Notifier StatusNotifier
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 15 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = RealClock
	}
	if o.Dialer == nil {
		o.Dialer = NewWSDialer()
	}
	return o
}

// Manager keeps one session channel open. It reconnects with exponential
// backoff after abnormal closes, pings while open and treats a silent
// channel as dead.
//
// Every dial bumps a generation counter; read loops and timers belonging to
// an older generation find a different value and exit without touching
// state.
type Manager struct {
	opts Options

	mu            sync.Mutex
	state         State
	lastErr       error
	attempts      int
	gen           uint64
	conn          Conn
	closed        bool
	lastHeartbeat time.Time

	heartbeat Timer
	watchdog  Timer
	reconnect Timer

	handlers       map[models.EventType]Handler
	defaultHandler Handler
	listeners      []func(State)

	writeMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		handlers: make(map[models.EventType]Handler),
	}
}

// On registers the handler for one event type, replacing any previous one.
func (m *Manager) On(t models.EventType, h Handler) {
	m.mu.Lock()
	m.handlers[t] = h
	m.mu.Unlock()
}

// OnDefault registers the handler for event types with no handler of their own.
func (m *Manager) OnDefault(h Handler) {
	m.mu.Lock()
	m.defaultHandler = h
	m.mu.Unlock()
}

func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error behind the most recent error or failed state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Idle reports whether the manager is neither connected nor waiting to
// reconnect: after Close, a clean close from the server, or giving up.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.state == StateDisconnected || m.state == StateFailed) && m.reconnect == nil
}

// NextDelay is the wait before the next scheduled reconnect.
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextDelayLocked()
}

func (m *Manager) nextDelayLocked() time.Duration {
	d := m.opts.BaseDelay
	for i := 0; i < m.attempts; i++ {
		d *= 2
		if d >= m.opts.MaxDelay {
			return m.opts.MaxDelay
		}
	}
	return min(d, m.opts.MaxDelay)
}

// Connect dials the server and blocks until the dial succeeds or fails. A
// failed dial schedules a reconnect like any other abnormal close.
func (m *Manager) Connect() error {
	m.mu.Lock()
	m.closed = false
	gen, notify, ok := m.beginConnectLocked()
	m.mu.Unlock()
	notify()
	if !ok {
		return nil
	}
	return m.dial(gen)
}

// Reconnect drops the current channel, if any, and dials again right away.
// Pending backoff is cancelled; the attempt counter is kept.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	m.closed = false
	m.dropConnLocked()
	m.state = StateDisconnected
	gen, notify, ok := m.beginConnectLocked()
	m.mu.Unlock()
	notify()
	if !ok {
		return nil
	}
	return m.dial(gen)
}

// Close sends a clean close frame. No reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.stopTimersLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	if conn == nil {
		notify := m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		notify()
		return nil
	}
	notify := m.setStateLocked(StateClosing, nil)
	m.mu.Unlock()
	notify()

	m.writeMu.Lock()
	err := conn.CloseNormal()
	m.writeMu.Unlock()

	m.mu.Lock()
	notify = m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()
	notify()
	return err
}

// Send writes ev to the open channel.
func (m *Manager) Send(ev models.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		m.fail(gen, fmt.Errorf("write failed: %w", err), false)
		return err
	}
	return nil
}

// beginConnectLocked moves to connecting unless a dial is already running
// or the channel is open.
func (m *Manager) beginConnectLocked() (uint64, func(), bool) {
	if m.state == StateConnecting || m.state == StateOpen {
		return 0, func() {}, false
	}
	m.stopTimersLocked()
	m.gen++
	return m.gen, m.setStateLocked(StateConnecting, nil), true
}

func (m *Manager) dial(gen uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil {
			return err
		}
		return ErrClosed
	}
	if err != nil {
		notify := m.failLocked(err, false)
		m.mu.Unlock()
		notify()
		return err
	}

	m.conn = conn
	m.attempts = 0
	m.lastHeartbeat = m.opts.Clock.Now()
	m.heartbeat = m.opts.Clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.sendHeartbeat(gen) })
	m.watchdog = m.opts.Clock.AfterFunc(m.opts.HeartbeatTimeout, func() { m.checkHeartbeat(gen) })
	notify := m.setStateLocked(StateOpen, nil)
	m.mu.Unlock()
	notify()

	logger.Debugf("🔌 Session channel open: %s", m.opts.URL)
	recovery.SafeGo("client-read", func() { m.readLoop(conn, gen) })
	return nil
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrNormalClosure) {
				m.closedByPeer(gen)
				return
			}
			m.fail(gen, err, false)
			return
		}

		ev, err := models.ParseEvent(data)
		if err != nil {
			logger.Warnf("⚠️ Dropping malformed frame: %v", err)
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastHeartbeat = m.opts.Clock.Now()
		h, ok := m.handlers[ev.Type]
		if !ok {
			h = m.defaultHandler
		}
		m.mu.Unlock()

		m.dispatch(ev, h)
	}
}

func (m *Manager) dispatch(ev models.Event, h Handler) {
	if h == nil {
		logger.Debugf("📭 No handler for %q event, dropped", ev.Type)
		return
	}
	defer recovery.Recover("client-handler")
	h(ev)
}

// closedByPeer handles a clean close from the server: terminal, no reconnect.
func (m *Manager) closedByPeer(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.dropConnLocked()
	notify := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()
	notify()
	logger.Debugf("👋 Session channel closed by server")
}

func (m *Manager) fail(gen uint64, err error, immediate bool) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	notify := m.failLocked(err, immediate)
	m.mu.Unlock()
	notify()
}

// failLocked moves through error and schedules the next dial, or gives up
// once MaxAttempts is reached. immediate skips the backoff wait.
func (m *Manager) failLocked(err error, immediate bool) func() {
	m.dropConnLocked()
	notifyErr := m.setStateLocked(StateError, err)

	if m.attempts >= m.opts.MaxAttempts {
		notifyFailed := m.setStateLocked(StateFailed, err)
		logger.Warnf("❌ Giving up after %d reconnect attempts: %v", m.attempts, err)
		return func() { notifyErr(); notifyFailed() }
	}

	var delay time.Duration
	if !immediate {
		delay = m.nextDelayLocked()
	}
	m.attempts++
	gen := m.gen
	m.reconnect = m.opts.Clock.AfterFunc(delay, func() { m.reconnectAfterBackoff(gen) })
	logger.Debugf("🔄 Reconnecting in %v (attempt %d/%d): %v", delay, m.attempts, m.opts.MaxAttempts, err)

	notifyDisc := m.setStateLocked(StateDisconnected, nil)
	return func() { notifyErr(); notifyDisc() }
}

func (m *Manager) reconnectAfterBackoff(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	next, notify, ok := m.beginConnectLocked()
	m.mu.Unlock()
	notify()
	if ok {
		_ = m.dial(next)
	}
}

func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.heartbeat = m.opts.Clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.sendHeartbeat(gen) })
	m.mu.Unlock()

	if err := m.Send(models.NewPing()); err != nil && !errors.Is(err, ErrNotOpen) {
		logger.Debugf("💔 Heartbeat ping failed: %v", err)
	}
}

// checkHeartbeat fires when the channel may have been silent for
// HeartbeatTimeout. If something arrived since, it re-arms for the rest.
func (m *Manager) checkHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	silent := m.opts.Clock.Now().Sub(m.lastHeartbeat)
	if silent < m.opts.HeartbeatTimeout {
		m.watchdog = m.opts.Clock.AfterFunc(m.opts.HeartbeatTimeout-silent, func() { m.checkHeartbeat(gen) })
		m.mu.Unlock()
		return
	}
	logger.Warnf("💀 No events for %v, reconnecting", silent)
	notify := m.failLocked(ErrHeartbeatTimeout, true)
	m.mu.Unlock()
	notify()
}

// dropConnLocked closes the current channel and invalidates everything
// bound to its generation.
func (m *Manager) dropConnLocked() {
	m.stopTimersLocked()
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []Timer{m.heartbeat, m.watchdog, m.reconnect} {
		if t != nil {
			t.Stop()
		}
	}
	m.heartbeat, m.watchdog, m.reconnect = nil, nil, nil
}

// setStateLocked records the new state and returns a func that tells
// listeners; call it after unlocking.
func (m *Manager) setStateLocked(s State, err error) func() {
	if s == m.state && err == nil {
		return func() {}
	}
	m.state = s
	if err != nil {
		m.lastErr = err
	}
	listeners := slices.Clone(m.listeners)
	notifier := m.opts.Notifier
	return func() {
		for _, fn := range listeners {
			fn(s)
		}
		if notifier != nil {
			notifier.Notify(s, err)
		}
	}
}
