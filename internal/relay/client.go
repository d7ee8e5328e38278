package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Chaos/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one relay connection.
type Client struct {
	id   domain.UserID
	conn WSConn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewClient(id domain.UserID, conn WSConn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, 32),
	}
}

func (c *Client) ID() domain.UserID { return c.id }

func (c *Client) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// writePump pumps frames to the network and pings every pingPeriod.
// onPing runs after each successful ping.
func (c *Client) writePump(ctx context.Context, pingPeriod time.Duration, onPing func()) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if onPing != nil {
				onPing()
			}
		}
	}
}

// readPump hands every text frame to handle until the connection fails.
func (c *Client) readPump(handle func([]byte)) error {
	defer c.Close()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
