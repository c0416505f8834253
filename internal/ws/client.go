package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrBufferFull   = errors.New("client send buffer full")
)

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

// Client owns one websocket connection's outbound path. All writes to the
// physical connection go through the send channel and a single writer
// goroutine, so the connection's own replies and fan-out pushes never
// interleave frames.
type Client struct {
	info ConnInfo
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	// identity is set once on successful authentication and only ever
	// touched from the connection's read loop.
	userID   uuid.UUID
	username string
	authed   bool
}

func newClient(conn *websocket.Conn, info ConnInfo) *Client {
	return &Client{
		info: info,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *Client) setIdentity(userID uuid.UUID, username string) {
	c.userID = userID
	c.username = username
	c.authed = true
}

// Identity returns the authenticated user id, if any.
func (c *Client) Identity() (uuid.UUID, bool) {
	return c.userID, c.authed
}

// Push enqueues a frame for delivery. It fails fast when the buffer is
// saturated or the client is closed instead of blocking the caller.
func (c *Client) Push(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrBufferFull
	}
}

// PushJSON marshals v and enqueues it.
func (c *Client) PushJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Push(payload)
}

// writeLoop is the single writer for the connection.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("websocket write error conn=%s: %v", c.info.ConnID, err)
				c.Close()
				return
			}
		}
	}
}

// Close tears the client down. Safe to call from any goroutine, idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
