// Package broadcast fans relayed events out to browser clients over
// WebSocket. Clients subscribe per session and additionally receive the
// global notifications: session-list changes, busy/idle transitions, and the
// unobserved-session count. A slow client loses frames rather than stalling
// the daemon.
package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/icksaur/caco/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Frame is the single wire envelope for everything the hub sends.
type Frame struct {
	Kind      string       `json:"kind"` // "event" | "busy" | "unobserved" | "sessions_changed"
	SessionID string       `json:"session_id,omitempty"`
	Event     *relay.Event `json:"event,omitempty"`
	Busy      *bool        `json:"busy,omitempty"`
	Count     *int         `json:"count,omitempty"`
}

// command is what clients send: per-session subscription changes.
type command struct {
	Action    string `json:"action"` // "subscribe" | "unsubscribe"
	SessionID string `json:"session_id"`
}

type client struct {
	conn *websocket.Conn

	mu       sync.Mutex
	send     chan Frame
	closed   bool
	sessions map[string]bool
}

func (c *client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Hub tracks connected clients. It implements the orchestrator's
// Broadcaster interface and serves as the unobserved tracker's notify sink.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan Frame, sendBufferSize),
		sessions: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case "subscribe":
			c.mu.Lock()
			c.sessions[cmd.SessionID] = true
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			delete(c.sessions, cmd.SessionID)
			c.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
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

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	// The closed flag keeps a concurrent sendFrame holding a stale snapshot
	// from writing to the closed channel.
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// send queues a frame for one client, dropping it if the client is backed
// up or already gone.
func (h *Hub) sendFrame(c *client, frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) each(fn func(*client)) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		fn(c)
	}
}

// Publish delivers one relayed event to clients subscribed to its session.
func (h *Hub) Publish(sessionID string, ev relay.Event) {
	frame := Frame{Kind: "event", SessionID: sessionID, Event: &ev}
	h.each(func(c *client) {
		if c.subscribed(sessionID) {
			h.sendFrame(c, frame)
		}
	})
}

// SessionListChanged tells every client to refetch the session list.
func (h *Hub) SessionListChanged() {
	frame := Frame{Kind: "sessions_changed"}
	h.each(func(c *client) { h.sendFrame(c, frame) })
}

// SessionBusy announces a busy/idle transition to every client.
func (h *Hub) SessionBusy(sessionID string, busy bool) {
	frame := Frame{Kind: "busy", SessionID: sessionID, Busy: &busy}
	h.each(func(c *client) { h.sendFrame(c, frame) })
}

// UnobservedCount announces the new size of the unobserved set.
func (h *Hub) UnobservedCount(count int) {
	frame := Frame{Kind: "unobserved", Count: &count}
	h.each(func(c *client) { h.sendFrame(c, frame) })
}
