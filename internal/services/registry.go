package services

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/models"
)

// ChannelState is the lifecycle state of a client channel.
type ChannelState int32

const (
	ChannelOpen ChannelState = iota
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	default:
		return "closed"
	}
}

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already registered")
	ErrChannelClosed   = errors.New("channel closed")
	ErrSendQueueFull   = errors.New("send queue full")
)

// Channel is one connected client. Send must not block: implementations
// queue the event and return ErrSendQueueFull when they cannot keep up.
type Channel interface {
	ID() string
	State() ChannelState
	Send(ev models.Event) error
}

// Broadcaster is the narrow capability handed to event producers.
type Broadcaster interface {
	Broadcast(ev models.Event) int
}

// ConnectionRegistry tracks the channels that are between accept and close.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewConnectionRegistry creates an empty registry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		channels: make(map[string]Channel),
	}
}

// Register adds ch. Registering the same id twice is an error.
func (r *ConnectionRegistry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[ch.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrChannelExists, ch.ID())
	}
	r.channels[ch.ID()] = ch
	logger.Debugf("🔗 Registered channel %s (total: %d)", ch.ID(), len(r.channels))
	return nil
}

// Unregister removes ch and reports whether it was present. Only the exact
// channel registered under that id is removed.
func (r *ConnectionRegistry) Unregister(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.channels[ch.ID()]
	if !exists || current != ch {
		return false
	}
	delete(r.channels, ch.ID())
	logger.Debugf("🔌 Unregistered channel %s (remaining: %d)", ch.ID(), len(r.channels))
	return true
}

// Broadcast makes one send attempt per open channel and returns how many
// succeeded. A failing channel is logged and skipped.
func (r *ConnectionRegistry) Broadcast(ev models.Event) int {
	r.mu.RLock()
	targets := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		if ch.State() != ChannelOpen {
			continue
		}
		if err := ch.Send(ev); err != nil {
			logger.Warnf("⚠️ Broadcast of %s to channel %s failed: %v", ev.Type, ch.ID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers ev to a single channel.
func (r *ConnectionRegistry) SendTo(id string, ev models.Event) error {
	r.mu.RLock()
	ch, exists := r.channels[id]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if ch.State() != ChannelOpen {
		return fmt.Errorf("%w: %s", ErrChannelClosed, id)
	}
	return ch.Send(ev)
}

// Get returns the channel registered under id.
func (r *ConnectionRegistry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// IDs returns the registered channel ids in sorted order.
func (r *ConnectionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
