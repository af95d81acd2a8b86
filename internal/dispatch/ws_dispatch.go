// Package dispatch delivers events to live channels: a websocket-backed
// registry.Channel and a bounded fan-out helper for large broadcasts.
package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const DefaultWriteTimeout = 5 * time.Second

var ErrChannelClosed = errors.New("dispatch: channel closed")

// Envelope is the frame format in both directions: a named event and its
// JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WSChannel wraps one websocket connection. gorilla/websocket allows a
// single concurrent writer, so writes are serialised by mu.
type WSChannel struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WSChannel{id: uuid.NewString(), conn: conn, writeTimeout: writeTimeout}
}

func (c *WSChannel) ID() string { return c.id }

func (c *WSChannel) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(outbound{Event: event, Data: payload})
}

// Close sends a close frame carrying reason and closes the socket. It is
// idempotent.
func (c *WSChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Read blocks for the next inbound frame. Only the connection's read loop
// may call it.
func (c *WSChannel) Read() (Envelope, error) {
	var env Envelope
	err := c.conn.ReadJSON(&env)
	return env, err
}

// SetReadLimit caps inbound frame size.
func (c *WSChannel) SetReadLimit(n int64) { c.conn.SetReadLimit(n) }
