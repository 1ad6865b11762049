package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// SubscriptionMessage is sent by clients to subscribe or unsubscribe.
type SubscriptionMessage struct {
	Action     string   `json:"action"` // subscribe, unsubscribe
	SessionIDs []string `json:"session_ids"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	sessionIDs map[string]bool
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewClient creates a client over an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		sessionIDs: make(map[string]bool),
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, sessionID := range subMsg.SessionIDs {
				c.Subscribe(sessionID)
			}
		case "unsubscribe":
			for _, sessionID := range subMsg.SessionIDs {
				c.Unsubscribe(sessionID)
			}
		default:
			c.logger.Warn("unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes queued messages and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Send enqueues a message; false means the buffer was full and the
// message was dropped.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Subscribe attaches the client to a session's event feed.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	c.sessionIDs[sessionID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, sessionID)
	c.logger.Debug("subscribed to session", zap.String("session_id", sessionID))
}

// Unsubscribe detaches the client from a session's event feed.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.sessionIDs, sessionID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, sessionID)
	c.logger.Debug("unsubscribed from session", zap.String("session_id", sessionID))
}

// IsSubscribed reports whether the client follows a session.
func (c *Client) IsSubscribed(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionIDs[sessionID]
}
