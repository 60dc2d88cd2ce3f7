package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNormalClosure is returned by Conn.ReadMessage when the peer closed the
// channel with a clean close frame (code 1000).
var ErrNormalClosure = errors.New("connection closed normally")

const writeWait = 10 * time.Second

// Conn is one open session channel as seen from the client.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// CloseNormal sends a close frame with code 1000 and closes the socket.
	CloseNormal() error
	Close() error
}

// Dialer opens session channels. ctx carries the connect timeout.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials the session gateway with gorilla/websocket.
type WSDialer struct {
	Header http.Header
	dialer *websocket.Dialer
}

func NewWSDialer() *WSDialer {
	return &WSDialer{dialer: websocket.DefaultDialer}
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to session (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to session: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, ErrNormalClosure
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) CloseNormal() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// SessionURL turns a server base URL (http or ws) into the session gateway
// URL. token, cols and rows are optional.
func SessionURL(base, token string, cols, rows int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}

	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", base)
	}

	u.Path = "/v1/session"
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
