// Package websocket bridges the live event pipeline to WebSocket
// clients. A client subscribes to session ids and receives every event
// emitted on them from that point on; history is served by the poll and
// SSE endpoints, not here.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer token already gates the route; cross-origin browsers
	// are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sessionFeed is one live store subscription fanned out to the clients
// subscribed to that session.
type sessionFeed struct {
	sub     *events.Subscriber
	clients map[*Client]bool
}

// Hub manages WebSocket client connections and the per-session feeds
// behind them.
type Hub struct {
	store *session.Store

	mu      sync.RWMutex
	clients map[*Client]bool
	feeds   map[string]*sessionFeed

	register   chan *Client
	unregister chan *Client

	logger *logger.Logger
}

// NewHub creates a hub over the store's live event registry.
func NewHub(store *session.Store, log *logger.Logger) *Hub {
	return &Hub{
		store:      store,
		clients:    make(map[*Client]bool),
		feeds:      make(map[string]*sessionFeed),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until the context ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// HandleConnection upgrades an HTTP request and runs the client pumps.
// Mount it on a gin route.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), conn, h, h.logger)
	h.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeClient attaches a client to a session feed, opening the
// store subscription if this is the session's first client.
func (h *Hub) SubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed, ok := h.feeds[sessionID]
	if !ok {
		feed = &sessionFeed{
			sub:     h.store.Subscribe(sessionID),
			clients: make(map[*Client]bool),
		}
		h.feeds[sessionID] = feed
		go h.pump(sessionID, feed)
	}
	feed.clients[client] = true
}

// UnsubscribeClient detaches a client from a session feed and tears the
// feed down when it was the last one.
func (h *Hub) UnsubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(client, sessionID)
}

func (h *Hub) detachLocked(client *Client, sessionID string) {
	feed, ok := h.feeds[sessionID]
	if !ok {
		return
	}
	delete(feed.clients, client)
	if len(feed.clients) == 0 {
		feed.sub.Close()
		delete(h.feeds, sessionID)
	}
}

// pump forwards one session's events to its subscribed clients. It
// exits when the feed's subscription is closed.
func (h *Hub) pump(sessionID string, feed *sessionFeed) {
	for ev := range feed.sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to marshal event", zap.Error(err))
			continue
		}

		h.mu.RLock()
		targets := make([]*Client, 0, len(feed.clients))
		for client := range feed.clients {
			targets = append(targets, client)
		}
		h.mu.RUnlock()

		for _, client := range targets {
			if !client.Send(data) {
				h.logger.Debug("client send buffer full, dropping event",
					zap.String("client_id", client.ID),
					zap.String("session_id", sessionID))
			}
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for sessionID := range client.sessionIDs {
		h.detachLocked(client, sessionID)
	}
	close(client.send)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	for sessionID, feed := range h.feeds {
		feed.sub.Close()
		delete(h.feeds, sessionID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
