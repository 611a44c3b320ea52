package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kiranshivaraju/jobpulse/internal/track"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

const clientSendBuffer = 256

// changeEvent is the frame pushed to UI subscribers. It mirrors the media
// server's own feed shape so a web client can reuse one decoder.
type changeEvent struct {
	Type  string                `json:"type"`
	Job   models.Job            `json:"job"`
	Group *models.PipelineGroup `json:"group,omitempty"`
}

// Hub fans tracker change notifications out to WebSocket subscribers.
// Each subscriber may scope itself to one video via the video_id query
// parameter; everyone else gets every change.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	videoID string
}

// NewHub creates a hub. Wire its Broadcast to tracker.OnChange and serve
// Handler on the watch route.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon serves local dashboards; origin policy is left to
			// whatever sits in front of it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*wsClient]bool),
	}
}

// Handler upgrades GET /api/v1/ws and keeps the connection until either
// side goes away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			h.log.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}

		client := &wsClient{
			id:      uuid.New().String(),
			conn:    conn,
			send:    make(chan []byte, clientSendBuffer),
			videoID: r.URL.Query().Get("video_id"),
		}

		if !h.register(client) {
			conn.Close()
			return
		}
		h.log.Info("watch client connected", "client_id", client.id, "video_id", client.videoID)

		go h.writePump(client)
		h.readPump(client)
	}
}

// Broadcast queues one change for every subscriber whose scope matches.
// A subscriber that cannot keep up has the frame dropped; the next change
// carries the full job state anyway.
func (h *Hub) Broadcast(ch track.Change) {
	event := changeEvent{Type: "job.updated", Job: ch.Job, Group: ch.Group}
	if ch.Removed {
		event.Type = "job.removed"
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("encoding change event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.videoID != "" && client.videoID != ch.Job.VideoID() {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.log.Warn("watch client send buffer full, dropping frame", "client_id", client.id)
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump drains the connection. Subscribers send nothing we act on; the
// read loop exists to notice disconnects and service pong frames.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.log.Info("watch client disconnected", "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump moves frames from the send buffer to the socket and keeps the
// connection alive with pings.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
