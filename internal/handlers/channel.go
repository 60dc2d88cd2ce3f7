package handlers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/services"
	"github.com/gofiber/websocket/v2"
)

const (
	writeWait        = 10 * time.Second
	defaultSendQueue = 256
)

// frameConn is the part of *websocket.Conn the writer needs.
type frameConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsChannel is one WebSocket client. All writes go through a single writer
// goroutine draining a bounded queue, so Send never blocks on the network.
type wsChannel struct {
	id    string
	conn  frameConn
	queue chan models.Event
	state atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
}

func newWSChannel(id string, conn frameConn, queueSize int) *wsChannel {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	ch := &wsChannel{
		id:       id,
		conn:     conn,
		queue:    make(chan models.Event, queueSize),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	ch.state.Store(int32(services.ChannelOpen))
	return ch
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) State() services.ChannelState {
	return services.ChannelState(c.state.Load())
}

// Send queues ev without blocking.
func (c *wsChannel) Send(ev models.Event) error {
	if c.State() != services.ChannelOpen {
		return services.ErrChannelClosed
	}
	select {
	case c.queue <- ev:
		return nil
	case <-c.done:
		return services.ErrChannelClosed
	default:
		return services.ErrSendQueueFull
	}
}

// sendWait queues ev, waiting for room. Terminal output uses this so a burst
// of output slows the reader instead of being dropped.
func (c *wsChannel) sendWait(ev models.Event) error {
	if c.State() != services.ChannelOpen {
		return services.ErrChannelClosed
	}
	select {
	case c.queue <- ev:
		return nil
	case <-c.done:
		return services.ErrChannelClosed
	}
}

// writePump owns every write to the socket. It exits when the channel is
// closed or a write fails.
func (c *wsChannel) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case ev := <-c.queue:
			if err := c.write(ev); err != nil {
				logger.Debugf("❌ Write to channel %s failed: %v", c.id, err)
				c.markClosing()
				return
			}
		}
	}
}

// drain flushes whatever was queued before close, best effort.
func (c *wsChannel) drain() {
	for {
		select {
		case ev := <-c.queue:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsChannel) write(ev models.Event) error {
	data, err := ev.Encode()
	if err != nil {
		logger.Warnf("⚠️ Dropping unencodable %s event for %s: %v", ev.Type, c.id, err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) markClosing() {
	c.state.CompareAndSwap(int32(services.ChannelOpen), int32(services.ChannelClosing))
}

// close stops the writer after flushing queued events and closes the socket.
// It returns once the writer has exited.
func (c *wsChannel) close() {
	c.closeOnce.Do(func() {
		c.markClosing()
		close(c.done)
		<-c.pumpDone
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.state.Store(int32(services.ChannelClosed))
	})
}

// closed is closed once close has begun.
func (c *wsChannel) closed() <-chan struct{} { return c.done }
