// Package feed mirrors star notifications to local UI clients over a
// WebSocket. The hub fans messages out to every connected client and
// replays the latest menu and badge to clients that connect later.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/notify"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

// Message types.
const (
	TypeStar     = "star"
	TypeBadge    = "badge"
	TypeMenu     = "menu"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeShutdown = "shutdown"

	// Sent by clients.
	TypeAck    = "ack"
	TypeAckAll = "ack_all"
)

// Message is one frame on the feed.
type Message struct {
	Timestamp time.Time        `json:"timestamp"`
	Star      *stars.StarEvent `json:"star,omitempty"`
	Menu      *notify.Menu     `json:"menu,omitempty"`
	Badge     *int             `json:"badge,omitempty"`
	Type      string           `json:"type"`
	Seq       int64            `json:"seq,omitempty"`
}

// Hub manages feed clients and broadcasting. It runs in its own goroutine.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan string
	broadcast  chan Message
	stop       chan struct{}
	stopped    chan struct{}
	lastMenu   *Message
	lastBadge  *Message
	mu         sync.RWMutex
}

const (
	registerBufferSize   = 16
	unregisterBufferSize = 16
	broadcastBufferSize  = 256
)

// NewHub creates a hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan string, unregisterBufferSize),
		broadcast:  make(chan Message, broadcastBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run is the hub's event loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "feed hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "feed hub stop requested", nil)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			replay := []*Message{h.lastMenu, h.lastBadge}
			h.mu.Unlock()
			for _, m := range replay {
				if m != nil {
					client.deliver(ctx, *m)
				}
			}
			logger.Info(ctx, "feed client registered", logger.Fields{
				"client_id":     client.ID,
				"total_clients": total,
			})

		case id := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[id]
			if ok {
				delete(h.clients, id)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if !ok {
				logger.Warn(ctx, "attempted to unregister unknown feed client", logger.Fields{"client_id": id})
				continue
			}
			client.Close()
			logger.Info(ctx, "feed client unregistered", logger.Fields{
				"client_id":     id,
				"total_clients": total,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			switch msg.Type {
			case TypeMenu:
				h.lastMenu = &msg
			case TypeBadge:
				h.lastBadge = &msg
			}
			snapshot := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				snapshot = append(snapshot, c)
			}
			h.mu.Unlock()

			for _, c := range snapshot {
				c.deliver(ctx, msg)
			}
			logger.Debug(ctx, "feed broadcast", logger.Fields{
				"type":    msg.Type,
				"clients": len(snapshot),
			})
		}
	}
}

// Broadcast queues msg for every client. It never blocks.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- msg:
	default:
		logger.Warn(context.Background(), "dropping feed broadcast: hub at capacity or shutting down", logger.Fields{"type": msg.Type})
	}
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.stopped
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		c.Close()
	}
}

// Unregister removes a client by ID.
func (h *Hub) Unregister(id string) {
	select {
	case h.unregister <- id:
	case <-h.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// cleanup tells clients the feed is going away, then closes them.
func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		c.deliver(ctx, Message{Type: TypeShutdown, Timestamp: time.Now()})
	}
	if len(h.clients) > 0 {
		// Let the writers flush the shutdown notice before closing.
		time.Sleep(200 * time.Millisecond)
	}
	for _, c := range h.clients {
		c.Close()
	}
	h.clients = map[string]*Client{}
	logger.Info(context.WithoutCancel(ctx), "feed hub cleanup complete", nil)
}
