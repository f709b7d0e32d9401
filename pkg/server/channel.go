package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is a persistent bidirectional connection to one client. Sends of
// one channel are serialized by its Outbox.
type Channel interface {
	// Send transmits one message.
	Send(ctx context.Context, data []byte) error

	// IsOpen reports whether messages can still be sent.
	IsOpen() bool

	// Close closes the channel. Calling it more than once is safe.
	Close() error
}

// WebSocketChannel is a Channel backed by a gorilla websocket connection.
type WebSocketChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWebSocketChannel wraps conn. writeTimeout bounds each write when the
// send context has no earlier deadline.
func NewWebSocketChannel(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketChannel {
	return &WebSocketChannel{conn: conn, writeTimeout: writeTimeout}
}

// Send writes data as one text message.
func (c *WebSocketChannel) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// A failed write leaves the connection unusable.
		c.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Ping sends a websocket ping control frame.
func (c *WebSocketChannel) Ping() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// IsOpen reports whether the connection has not failed or been closed.
func (c *WebSocketChannel) IsOpen() bool {
	return !c.closed.Load()
}

// Close sends a normal close frame and closes the connection.
func (c *WebSocketChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// markClosed records that the peer went away without closing the socket.
func (c *WebSocketChannel) markClosed() {
	c.closed.Store(true)
}
