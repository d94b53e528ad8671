package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/syfpsy/nxyztask/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Board event types pushed to connected clients.
const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
	EventTaskDeleted = "task.deleted"
	EventBoardSynced = "board.synced"
	EventPing        = "ping"
	EventPong        = "pong"
)

// Event is the message format for WebSocket communication. User is the id of
// the account whose action caused the event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	User string `json:"user,omitempty"`
}

// Client represents a connected WebSocket client
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID string
}

// NewClient wraps an upgraded connection for the hub.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
	}
}

// ReadPump reads from the connection until it closes. Clients only talk to
// the server to keep the connection alive; board changes go through the REST
// API.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Logger.WithField("user", c.UserID).Warnf("websocket error: %v", err)
			}
			return
		}

		var in Event
		if err := json.Unmarshal(message, &in); err != nil {
			logging.Logger.WithField("user", c.UserID).Debugf("dropping malformed websocket message: %v", err)
			continue
		}
		if in.Type != EventPing {
			continue
		}

		pong, err := json.Marshal(Event{
			Type: EventPong,
			Data: map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)},
		})
		if err != nil {
			continue
		}
		c.Hub.reply(c, pong)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type outbound struct {
	payload []byte
	kind    string
	to      *Client // nil means every client
}

// Hub maintains the set of active clients and broadcasts board events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates a new hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast sends an event to every connected client, including the one
// belonging to the user who caused it so all tabs converge.
func (h *Hub) Broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Logger.Errorf("failed to marshal websocket event: %v", err)
		return
	}
	select {
	case h.broadcast <- outbound{payload: payload, kind: event.Type}:
	case <-h.done:
	}
}

// reply queues a message for a single client.
func (h *Hub) reply(client *Client, payload []byte) {
	select {
	case h.broadcast <- outbound{payload: payload, kind: EventPong, to: client}:
	case <-h.done:
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			close(client.Send)
			delete(h.clients, client)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			logging.Logger.WithField("user", client.UserID).Debug("websocket client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				logging.Logger.WithField("user", client.UserID).Debug("websocket client disconnected")
			}
		case msg := <-h.broadcast:
			if msg.to == nil {
				logging.Logger.WithFields(logrus.Fields{"type": msg.kind, "clients": len(h.clients)}).Debug("broadcasting event")
			}
			for client := range h.clients {
				if msg.to != nil && msg.to != client {
					continue
				}
				select {
				case client.Send <- msg.payload:
				default:
					// Client's send buffer is full, assume disconnected
					logging.Logger.WithField("user", client.UserID).Warn("websocket send buffer full, dropping client")
					close(client.Send)
					delete(h.clients, client)
				}
			}
		}
	}
}
