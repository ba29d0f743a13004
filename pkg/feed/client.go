package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

// Client is one connected feed consumer. Run is the only goroutine that
// writes to the connection.
type Client struct {
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	ID        string
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// NewClient wraps a WebSocket connection.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan Message, 64),
		done: make(chan struct{}),
	}
}

// deliver queues msg without blocking; a full buffer drops it.
func (c *Client) deliver(ctx context.Context, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		logger.Warn(ctx, "dropped feed message for client: buffer full", logger.Fields{
			"client_id": c.ID,
			"type":      msg.Type,
		})
	}
}

// Run writes queued messages and periodic pings until the client closes.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	var seq int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			seq++
			if err := c.write(Message{Type: TypePing, Seq: seq, Timestamp: time.Now()}, writeTimeout); err != nil {
				logger.Warn(ctx, "feed ping failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(msg, writeTimeout); err != nil {
				logger.Warn(ctx, "feed send failed", logger.Fields{
					"client_id": c.ID,
					"type":      msg.Type,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

func (c *Client) write(msg any, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close stops the client. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		close(c.send)
		c.mu.Unlock()
	})
}
