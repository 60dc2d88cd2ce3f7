package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the discriminator carried in the "type" field of every frame
// exchanged over a session channel.
type EventType string

// Client to server events.
const (
	CommandEvent       EventType = "command"
	TerminalInputEvent EventType = "terminal-input"
	ResizeEvent        EventType = "resize"
	PingEvent          EventType = "ping"
)

// Server to client events.
const (
	TerminalOutputEvent EventType = "terminal-output"
	UpdateEvent         EventType = "update"
	MetricsEvent        EventType = "metrics"
	PongEvent           EventType = "pong"
	ErrorEvent          EventType = "error"
)

// Direction tells which side of a channel produces an event type.
type Direction int

const (
	DirectionUnknown Direction = iota
	ClientToServer
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

var eventDirections = map[EventType]Direction{
	CommandEvent:        ClientToServer,
	TerminalInputEvent:  ClientToServer,
	ResizeEvent:         ClientToServer,
	PingEvent:           ClientToServer,
	TerminalOutputEvent: ServerToClient,
	UpdateEvent:         ServerToClient,
	MetricsEvent:        ServerToClient,
	PongEvent:           ServerToClient,
	ErrorEvent:          ServerToClient,
}

// Known reports whether t belongs to the closed set of event types.
func (t EventType) Known() bool {
	_, ok := eventDirections[t]
	return ok
}

// ErrMalformedEvent is returned by ParseEvent for frames that are not a JSON
// object or that carry no type tag.
var ErrMalformedEvent = errors.New("malformed event")

// CommandPayload is a full command line; the server appends the newline.
type CommandPayload struct {
	Command string `json:"command"`
}

// TerminalInputPayload carries raw keystrokes.
type TerminalInputPayload struct {
	Data string `json:"data"`
}

type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TerminalOutputPayload is one chunk of process output, as read.
type TerminalOutputPayload struct {
	Data string `json:"data"`
}

// UpdatePayload announces a changed source file. Time is the number of
// milliseconds since the last build start.
type UpdatePayload struct {
	File string `json:"file"`
	Time int64  `json:"time"`
}

// MetricsPayload is one resource sample. Memory is resident set size in MiB,
// CPU is consumed processor time in milliseconds.
type MetricsPayload struct {
	Memory        float64 `json:"memory"`
	CPU           float64 `json:"cpu"`
	BuildTime     int64   `json:"buildTime"`
	HMRUpdateTime int64   `json:"hmrUpdateTime"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is a typed message. Payload holds one of the payload structs above
// (by value), nil for ping/pong, or json.RawMessage for an unknown type.
// On the wire the payload fields sit next to the type tag:
//
//	{"type":"update","file":"src/App.jsx","time":120}
type Event struct {
	Type    EventType
	Payload any
}

func NewCommand(command string) Event {
	return Event{Type: CommandEvent, Payload: CommandPayload{Command: command}}
}

func NewTerminalInput(data string) Event {
	return Event{Type: TerminalInputEvent, Payload: TerminalInputPayload{Data: data}}
}

func NewResize(cols, rows int) Event {
	return Event{Type: ResizeEvent, Payload: ResizePayload{Cols: cols, Rows: rows}}
}

func NewPing() Event { return Event{Type: PingEvent} }

func NewPong() Event { return Event{Type: PongEvent} }

func NewTerminalOutput(data string) Event {
	return Event{Type: TerminalOutputEvent, Payload: TerminalOutputPayload{Data: data}}
}

func NewUpdate(file string, sinceBuildMs int64) Event {
	return Event{Type: UpdateEvent, Payload: UpdatePayload{File: file, Time: sinceBuildMs}}
}

func NewMetrics(p MetricsPayload) Event {
	return Event{Type: MetricsEvent, Payload: p}
}

func NewError(format string, args ...any) Event {
	return Event{Type: ErrorEvent, Payload: ErrorPayload{Message: fmt.Sprintf(format, args...)}}
}

// Direction reports which side of the channel emits this event.
func (e Event) Direction() Direction {
	return eventDirections[e.Type]
}

// Encode renders the event as a single JSON text frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MarshalJSON flattens the payload next to the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedEvent)
	}
	typ, err := json.Marshal(string(e.Type))
	if err != nil {
		return nil, err
	}

	var body []byte
	switch p := e.Payload.(type) {
	case nil:
		body = []byte("{}")
	case json.RawMessage:
		body = p
	default:
		body, err = json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
	}

	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload is not an object", ErrMalformedEvent, e.Type)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	inner := bytes.TrimSpace(body[1 : len(body)-1])
	if len(inner) > 0 {
		// Raw payloads of unknown events still contain their own type key.
		if _, raw := e.Payload.(json.RawMessage); raw {
			inner = stripTypeKey(body)
		}
		if len(inner) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the payload struct that matches the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if head.Type == nil || *head.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	t := EventType(*head.Type)
	var (
		payload any
		err     error
	)
	switch t {
	case CommandEvent:
		payload, err = decodePayload[CommandPayload](data)
	case TerminalInputEvent:
		payload, err = decodePayload[TerminalInputPayload](data)
	case ResizeEvent:
		payload, err = decodePayload[ResizePayload](data)
	case TerminalOutputEvent:
		payload, err = decodePayload[TerminalOutputPayload](data)
	case UpdateEvent:
		payload, err = decodePayload[UpdatePayload](data)
	case MetricsEvent:
		payload, err = decodePayload[MetricsPayload](data)
	case ErrorEvent:
		payload, err = decodePayload[ErrorPayload](data)
	case PingEvent, PongEvent:
		payload = nil
	default:
		payload = json.RawMessage(append([]byte(nil), data...))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, t, err)
	}

	e.Type = t
	e.Payload = payload
	return nil
}

// ParseEvent decodes one text frame. Unknown types decode without error and
// keep the raw frame as payload.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}

func decodePayload[T any](data []byte) (T, error) {
	var p T
	err := json.Unmarshal(data, &p)
	return p, err
}

func stripTypeKey(obj []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil
	}
	delete(fields, "type")
	if len(fields) == 0 {
		return nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return out[1 : len(out)-1]
}
