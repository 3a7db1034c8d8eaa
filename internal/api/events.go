package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kalambet/fieldsync/internal/conflict"
	"github.com/kalambet/fieldsync/internal/storage"
)

// Event types sent on /events.
const (
	EventSyncStatus         = "sync.status"
	EventMutationAbandoned  = "mutation.abandoned"
	EventPullFailed         = "pull.failed"
	EventConflictResolved   = "conflict.resolved"
	EventConnectivity       = "connectivity"
	EventStorageUnavailable = "storage.unavailable"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     loopbackOrigin,
}

// loopbackOrigin admits non-browser clients and pages served from this machine.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every message sent to websocket clients.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans sync notifications out to websocket clients. It implements
// syncer.Observer.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	count      atomic.Int64
	logger     *slog.Logger
}

// NewHub creates a Hub. Call Run to start delivering messages.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     slog.Default(),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.count.Store(0)
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("websocket client connected", "client_id", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("websocket client disconnected", "client_id", c.id, "total", len(h.clients))

		case msg := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the others.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast queues a message for every client without blocking.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	b, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		h.logger.Error("encoding websocket event", "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("websocket broadcast buffer full, event dropped", "type", eventType)
	}
}

func (h *Hub) SyncingChanged(syncing bool) {
	h.Broadcast(EventSyncStatus, map[string]any{"syncing": syncing})
}

func (h *Hub) MutationAbandoned(m storage.Mutation, cause error) {
	data := map[string]any{
		"mutation_id": m.ID,
		"method":      m.Method,
		"target":      m.Target,
		"attempts":    m.Attempts,
	}
	if m.Collection != "" {
		data["collection"] = m.Collection
		data["entity_id"] = m.EntityID
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	h.Broadcast(EventMutationAbandoned, data)
}

func (h *Hub) PullFailed(err error) {
	h.Broadcast(EventPullFailed, map[string]any{"error": err.Error()})
}

func (h *Hub) ConflictResolved(r *conflict.Resolution) {
	h.Broadcast(EventConflictResolved, map[string]any{
		"collection": r.Conflict.EntityType,
		"entity_id":  string(r.Conflict.EntityID),
		"type":       string(r.Conflict.Type),
		"strategy":   string(r.Strategy),
		"fields":     r.Conflict.ConflictingFields,
	})
}

// ConnectivityChanged reports an online/offline transition.
func (h *Hub) ConnectivityChanged(online bool) {
	h.Broadcast(EventConnectivity, map[string]any{"online": online})
}

// StorageUnavailable reports that the daemon runs without a local store.
func (h *Hub) StorageUnavailable(err error) {
	h.Broadcast(EventStorageUnavailable, map[string]any{"error": err.Error()})
}

// handleEvents upgrades the request and streams hub messages to it.
func handleEvents(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		c := &wsClient{
			id:   uuid.New().String(),
			conn: conn,
			send: make(chan []byte, clientSendBuffer),
			hub:  h,
		}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

// readPump only handles control frames; clients do not send commands.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
