package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const (
	sseQueueSize         = 100
	sseHeartbeatInterval = 15 * time.Second
)

// SSEMessage is one Server-Sent Events frame. Event carries the same flat
// JSON as the WebSocket channel.
type SSEMessage struct {
	Event     models.Event `json:"event"`
	Timestamp int64        `json:"timestamp"`
	ID        string       `json:"id"`
}

// sseChannel is a receive-only channel registered alongside WebSocket
// clients, for dashboards that only speak EventSource.
type sseChannel struct {
	id        string
	queue     chan models.Event
	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEChannel(id string) *sseChannel {
	ch := &sseChannel{
		id:    id,
		queue: make(chan models.Event, sseQueueSize),
		done:  make(chan struct{}),
	}
	ch.state.Store(int32(services.ChannelOpen))
	return ch
}

func (c *sseChannel) ID() string { return c.id }

func (c *sseChannel) State() services.ChannelState {
	return services.ChannelState(c.state.Load())
}

func (c *sseChannel) Send(ev models.Event) error {
	if c.State() != services.ChannelOpen {
		return services.ErrChannelClosed
	}
	select {
	case c.queue <- ev:
		return nil
	default:
		return services.ErrSendQueueFull
	}
}

func (c *sseChannel) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(services.ChannelClosed))
		close(c.done)
	})
}

type EventsHandler struct {
	registry *services.ConnectionRegistry

	clientsMux sync.Mutex
	clients    map[string]*sseChannel
}

func NewEventsHandler(registry *services.ConnectionRegistry) *EventsHandler {
	return &EventsHandler{
		registry: registry,
		clients:  make(map[string]*sseChannel),
	}
}

func (h *EventsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/events", h.HandleSSE)
}

// HandleSSE streams every broadcast event (update, metrics) to the client.
// GET /v1/events
func (h *EventsHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") && !strings.Contains(ah, "*/*") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch := newSSEChannel(uuid.New().String())
	if err := h.registry.Register(ch); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	h.addClient(ch)
	logger.Infof("📻 SSE client connected: %s from %s", ch.ID(), c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.removeClient(ch)

		send := func(ev models.Event) bool {
			b, err := json.Marshal(SSEMessage{
				Event:     ev,
				Timestamp: time.Now().UnixMilli(),
				ID:        uuid.New().String(),
			})
			if err != nil {
				logger.Warnf("⚠️ Dropping unencodable %s event: %v", ev.Type, err)
				return true
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		// Tell the client which channel it is.
		if _, err := fmt.Fprintf(w, ": connected %s\n\n", ch.ID()); err != nil || w.Flush() != nil {
			return
		}

		tick := time.NewTicker(sseHeartbeatInterval)
		defer tick.Stop()

		for {
			select {
			case <-ch.done:
				return
			case ev := <-ch.queue:
				if !send(ev) {
					return
				}
			case <-tick.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil || w.Flush() != nil {
					return
				}
			}
		}
	}))

	return nil
}

func (h *EventsHandler) addClient(ch *sseChannel) {
	h.clientsMux.Lock()
	h.clients[ch.ID()] = ch
	h.clientsMux.Unlock()
}

func (h *EventsHandler) removeClient(ch *sseChannel) {
	ch.close()
	h.registry.Unregister(ch)

	h.clientsMux.Lock()
	delete(h.clients, ch.ID())
	h.clientsMux.Unlock()
	logger.Debugf("Removed SSE client %s", ch.ID())
}

// Clients returns the number of connected SSE clients.
func (h *EventsHandler) Clients() int {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	return len(h.clients)
}

// Shutdown ends every open stream.
func (h *EventsHandler) Shutdown() {
	h.clientsMux.Lock()
	clients := make([]*sseChannel, 0, len(h.clients))
	for _, ch := range h.clients {
		clients = append(clients, ch)
	}
	h.clientsMux.Unlock()

	for _, ch := range clients {
		ch.close()
	}
}
