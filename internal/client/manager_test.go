package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bananajs/banana/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	c       *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock only moves when Advance is called. Timer callbacks run on the
// caller's goroutine, in deadline order.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	scheduled []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) LastScheduled() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduled[len(c.scheduled)-1]
}

type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	readErr error
	writes  []models.Event
	normal  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	ev, err := models.ParseEvent(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, ev)
	return nil
}

func (c *fakeConn) CloseNormal() error {
	c.mu.Lock()
	c.normal = true
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) Close() error {
	c.closeWith(net.ErrClosed)
	return nil
}

// closeWith simulates the server side going away with err.
func (c *fakeConn) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, ev models.Event) {
	t.Helper()
	data, err := ev.Encode()
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) Writes() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.writes...)
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   error
	conns  []*fakeConn
	dials  int
	onDial func()
	hang   bool
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	if d.hang {
		d.dials++
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer d.mu.Unlock()
	d.dials++
	if d.onDial != nil {
		d.onDial()
	}
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (n *recordingNotifier) Notify(s State, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s)
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) States() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]State(nil), n.states...)
}

var errRefused = errors.New("connection refused")

func newTestManager(opts Options) (*Manager, *fakeClock, *fakeDialer) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	opts.URL = "ws://example.test/v1/session"
	opts.Clock = clock
	opts.Dialer = dialer
	return NewManager(opts), clock, dialer
}

func TestManager_ConnectTimeoutSchedulesReconnect(t *testing.T) {
	m, clock, dialer := newTestManager(Options{ConnectTimeout: 50 * time.Millisecond})
	dialer.hang = true

	start := time.Now()
	err := m.Connect()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Err(), context.DeadlineExceeded)
	assert.Equal(t, 1, m.Attempts())
	assert.False(t, m.Idle())
	assert.Equal(t, 1, clock.Pending())
	assert.Equal(t, time.Second, clock.LastScheduled())

	dialer.mu.Lock()
	dialer.hang = false
	dialer.mu.Unlock()
	clock.Advance(time.Second)
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_Defaults(t *testing.T) {
	m := NewManager(Options{})
	assert.Equal(t, time.Second, m.opts.BaseDelay)
	assert.Equal(t, 30*time.Second, m.opts.MaxDelay)
	assert.Equal(t, 10, m.opts.MaxAttempts)
	assert.Equal(t, 10*time.Second, m.opts.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, m.opts.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, m.opts.ConnectTimeout)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ConnectOpens(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _, dialer := newTestManager(Options{Notifier: notifier})

	var seen []State
	m.OnStateChange(func(s State) { seen = append(seen, s) })

	require.NoError(t, m.Connect())
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 1, dialer.Dials())
	assert.Equal(t, []State{StateConnecting, StateOpen}, seen)
	assert.Equal(t, []State{StateConnecting, StateOpen}, notifier.States())

	// Already open: no second dial.
	require.NoError(t, m.Connect())
	assert.Equal(t, 1, dialer.Dials())
}

func TestManager_BackoffDoublesUpToMax(t *testing.T) {
	m, clock, dialer := newTestManager(Options{BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	dialer.setFail(errRefused)

	assert.Equal(t, time.Second, m.NextDelay())
	require.ErrorIs(t, m.Connect(), errRefused)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, clock.LastScheduled(), "delay after failure %d", i+1)
		assert.Equal(t, i+1, m.Attempts())
		assert.Equal(t, StateDisconnected, m.State())
		clock.Advance(want)
	}
	assert.Equal(t, len(expected)+1, dialer.Dials())
	assert.ErrorIs(t, m.Err(), errRefused)
}

func TestManager_FailsAfterMaxAttempts(t *testing.T) {
	notifier := &recordingNotifier{}
	m, clock, dialer := newTestManager(Options{MaxAttempts: 3, Notifier: notifier})
	dialer.setFail(errRefused)

	require.Error(t, m.Connect())
	for i := 0; i < 3; i++ {
		clock.Advance(m.opts.MaxDelay)
	}

	assert.Equal(t, StateFailed, m.State())
	assert.True(t, m.Idle())
	assert.Equal(t, 4, dialer.Dials())
	assert.Equal(t, 0, clock.Pending())

	states := notifier.States()
	assert.Equal(t, StateFailed, states[len(states)-1])

	// Nothing else happens on its own.
	clock.Advance(time.Hour)
	assert.Equal(t, 4, dialer.Dials())
}

func TestManager_ConnectFromFailedState(t *testing.T) {
	m, clock, dialer := newTestManager(Options{MaxAttempts: 1})
	dialer.setFail(errRefused)
	require.Error(t, m.Connect())
	clock.Advance(time.Minute)
	require.Equal(t, StateFailed, m.State())

	dialer.setFail(nil)
	require.NoError(t, m.Connect())
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 0, m.Attempts())
}

func TestManager_SuccessResetsAttempts(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	dialer.setFail(errRefused)
	require.Error(t, m.Connect())
	clock.Advance(time.Second)
	require.Equal(t, 2, m.Attempts())

	dialer.setFail(nil)
	clock.Advance(2 * time.Second)
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, time.Second, m.NextDelay())
}

func TestManager_HeartbeatPingsWhileOpen(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	require.NoError(t, m.Connect())
	conn := dialer.Conn(0)

	clock.Advance(10 * time.Second)
	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, models.PingEvent, writes[0].Type)
}

func TestManager_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	require.NoError(t, m.Connect())
	first := dialer.Conn(0)

	clock.Advance(14999 * time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 1, dialer.Dials())

	// At 15s of silence the channel is dropped and redialled with no wait.
	clock.Advance(time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, StateOpen, m.State())
	assert.ErrorIs(t, m.Err(), ErrHeartbeatTimeout)
}

func TestManager_InboundEventsKeepChannelAlive(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	got := make(chan models.Event, 1)
	m.On(models.PongEvent, func(ev models.Event) { got <- ev })
	require.NoError(t, m.Connect())
	conn := dialer.Conn(0)

	clock.Advance(10 * time.Second)
	conn.push(t, models.NewPong())
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("pong not dispatched")
	}

	clock.Advance(5 * time.Second)
	assert.Equal(t, StateOpen, m.State())
	clock.Advance(9 * time.Second)
	assert.Equal(t, 1, dialer.Dials())

	clock.Advance(time.Second)
	assert.Equal(t, 2, dialer.Dials())
	assert.True(t, conn.isClosed())
}

func TestManager_AbnormalCloseSchedulesBackoff(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	require.NoError(t, m.Connect())

	dialer.Conn(0).closeWith(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool { return m.Attempts() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Idle())
	assert.Equal(t, time.Second, clock.LastScheduled())

	clock.Advance(time.Second)
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_NormalCloseIsTerminal(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	require.NoError(t, m.Connect())

	dialer.Conn(0).closeWith(ErrNormalClosure)
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, clock.Pending())
	assert.Equal(t, 0, m.Attempts())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, dialer.Dials())
	assert.True(t, m.Idle())
}

func TestManager_CloseSendsNormalClosure(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	var seen []State
	m.OnStateChange(func(s State) { seen = append(seen, s) })
	require.NoError(t, m.Connect())
	conn := dialer.Conn(0)

	require.NoError(t, m.Close())
	assert.True(t, conn.normal)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosing, StateDisconnected}, seen)
	assert.Equal(t, 0, clock.Pending())
	assert.ErrorIs(t, m.Send(models.NewPing()), ErrNotOpen)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, dialer.Dials())
}

func TestManager_CloseCancelsPendingReconnect(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	dialer.setFail(errRefused)
	require.Error(t, m.Connect())
	require.Equal(t, 1, clock.Pending())

	require.NoError(t, m.Close())
	clock.Advance(time.Hour)
	assert.Equal(t, 1, dialer.Dials())
}

func TestManager_ManualReconnectKeepsAttempts(t *testing.T) {
	m, clock, dialer := newTestManager(Options{})
	dialer.setFail(errRefused)
	require.Error(t, m.Connect())
	clock.Advance(time.Second)
	require.Equal(t, 2, m.Attempts())

	var atDial int
	dialer.mu.Lock()
	dialer.onDial = func() { atDial = m.Attempts() }
	dialer.mu.Unlock()

	// Pending 2s backoff is skipped.
	require.Error(t, m.Reconnect())
	assert.Equal(t, 2, atDial)
	assert.Equal(t, 3, dialer.Dials())
	assert.Equal(t, 3, m.Attempts())
	assert.Equal(t, 1, clock.Pending())

	dialer.setFail(nil)
	require.NoError(t, m.Reconnect())
	assert.Equal(t, 3, atDial)
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_ReconnectReplacesOpenChannel(t *testing.T) {
	m, _, dialer := newTestManager(Options{})
	require.NoError(t, m.Connect())
	first := dialer.Conn(0)

	require.NoError(t, m.Reconnect())
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_DispatchesByType(t *testing.T) {
	m, _, dialer := newTestManager(Options{})

	outputs := make(chan models.Event, 4)
	defaults := make(chan models.Event, 4)
	m.On(models.TerminalOutputEvent, func(ev models.Event) { outputs <- ev })
	m.On(models.ErrorEvent, func(models.Event) { panic("handler bug") })
	m.OnDefault(func(ev models.Event) { defaults <- ev })

	require.NoError(t, m.Connect())
	conn := dialer.Conn(0)

	conn.push(t, models.NewError("boom"))
	conn.in <- []byte(`{"type":"sparkle","level":3}`)
	conn.in <- []byte(`not json`)
	conn.push(t, models.NewTerminalOutput("hi\n"))

	select {
	case ev := <-defaults:
		assert.Equal(t, models.EventType("sparkle"), ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("unknown type not routed to default handler")
	}
	select {
	case ev := <-outputs:
		assert.Equal(t, models.TerminalOutputPayload{Data: "hi\n"}, ev.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal output not dispatched")
	}
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_UnknownTypeWithoutDefaultIsDropped(t *testing.T) {
	m, _, dialer := newTestManager(Options{})
	got := make(chan models.Event, 1)
	m.On(models.PongEvent, func(ev models.Event) { got <- ev })
	require.NoError(t, m.Connect())
	conn := dialer.Conn(0)

	conn.in <- []byte(`{"type":"sparkle"}`)
	conn.push(t, models.NewPong())

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop stopped after unknown type")
	}
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_SendWritesEvent(t *testing.T) {
	m, _, dialer := newTestManager(Options{})
	assert.ErrorIs(t, m.Send(models.NewCommand("ls")), ErrNotOpen)

	require.NoError(t, m.Connect())
	require.NoError(t, m.Send(models.NewCommand("echo hi")))

	writes := dialer.Conn(0).Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, models.CommandPayload{Command: "echo hi"}, writes[0].Payload)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
