// Package ws pushes progress snapshots to websocket clients.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lvcoi/tubefetch/internal/log"
	"github.com/lvcoi/tubefetch/internal/metrics"
	"github.com/lvcoi/tubefetch/internal/progress"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope written to clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ProgressPayload is the payload of a "progress" message.
type ProgressPayload struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Percent    float64 `json:"percent"`
	ETASeconds *int    `json:"etaSeconds"`
	File       string  `json:"file,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NewProgressMessage wraps a snapshot of job id.
func NewProgressMessage(id string, snap progress.Snapshot) WSMessage {
	return WSMessage{Type: "progress", Payload: ProgressPayload{
		ID:         id,
		Status:     string(snap.Status),
		Percent:    snap.Percent,
		ETASeconds: snap.ETASeconds,
		File:       snap.File,
		Error:      snap.Error,
	}}
}

type envelope struct {
	jobID string
	msg   WSMessage
}

// Client represents a connected WebSocket user. An empty jobID receives
// every job.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	jobID string
	send  chan WSMessage
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	registry   *progress.Registry
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
}

// NewHub returns a hub fed by every mutation of registry.
func NewHub(registry *progress.Registry) *Hub {
	h := &Hub{
		registry:   registry,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	if registry != nil {
		registry.Watch(h.Publish)
	}
	return h
}

// Run dispatches messages until ctx is done, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	logger := log.WithComponent("ws")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.WebsocketClients.Inc()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.dropLocked(client)
			}
			h.mu.Unlock()
		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.jobID != "" && client.jobID != env.jobID {
					continue
				}
				select {
				case client.send <- env.msg:
				default:
					logger.Warn().Str("job_id", client.jobID).Msg("client send buffer full, disconnecting client")
					client.conn.Close()
					h.dropLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	delete(h.clients, client)
	close(client.send)
	metrics.WebsocketClients.Dec()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request. The optional id query parameter limits the
// connection to one job and sends its current snapshot right away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("ws")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	client := &Client{
		hub:   h,
		conn:  conn,
		jobID: r.URL.Query().Get("id"),
		send:  make(chan WSMessage, clientBuffer),
	}
	if client.jobID != "" && h.registry != nil {
		client.send <- NewProgressMessage(client.jobID, h.registry.Snapshot(client.jobID))
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				logger := log.WithComponent("ws")
				logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Publish queues a snapshot for delivery. It never blocks; messages are
// dropped when the queue is full.
func (h *Hub) Publish(id string, snap progress.Snapshot) {
	h.Broadcast(id, NewProgressMessage(id, snap))
}

// Broadcast queues msg for clients following jobID or all jobs.
func (h *Hub) Broadcast(jobID string, msg WSMessage) {
	select {
	case h.broadcast <- envelope{jobID: jobID, msg: msg}:
	default:
		logger := log.WithComponent("ws")
		logger.Warn().Msg("broadcast buffer full, dropping message")
	}
}
