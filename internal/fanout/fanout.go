// Package fanout implements the websocket fan-out: one room per
// project holding a set of live sockets, broadcasting lifecycle and
// progress events to subscribers. A socket belongs to at most one
// project's room, so cross-project traffic never mixes.
package fanout

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendBufferSize is the per-client buffered channel size; pending
// messages queue up to this depth before the client is dropped as slow.
const sendBufferSize = 256

// Conn is the write side of one live socket. *websocket.Conn satisfies
// it; tests supply an in-process fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected subscriber, owned by exactly one Room.
type Client struct {
	hub       *Hub
	projectID string
	conn      Conn
	send      chan []byte

	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// writePump drains the send channel onto the socket. It exits when the
// channel closes (room removal) or a write fails, closing the socket
// either way.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.hub.Disconnect(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// room holds the socket set for one project behind its own mutex; no
// lock is shared across projects.
type room struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// CleanupFunc runs when a project's room empties, clearing the
// project's active-agent markers.
type CleanupFunc func(projectID string)

// Hub owns every project room. Constructed once in cmd/orchestratord
// and threaded to the dispatcher and HTTP layer.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	cleanup CleanupFunc
	log     *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger, cleanup CleanupFunc) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		cleanup: cleanup,
		log:     log,
	}
}

// Connect registers a socket into a project's room and starts its
// write pump. The returned Client is the handle for Disconnect and
// SendPersonal.
func (h *Hub) Connect(conn Conn, projectID string) *Client {
	client := &Client{
		hub:       h,
		projectID: projectID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	r, ok := h.rooms[projectID]
	if !ok {
		r = &room{clients: make(map[*Client]bool)}
		h.rooms[projectID] = r
	}
	h.mu.Unlock()

	r.mu.Lock()
	r.clients[client] = true
	r.mu.Unlock()

	go client.writePump()
	return client
}

// Disconnect removes a socket from its room eagerly. When the room
// empties, the cleanup task clears per-project active-agent markers.
// Idempotent: disconnecting an already-removed client is a no-op.
func (h *Hub) Disconnect(client *Client) {
	if client == nil {
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[client.projectID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if !r.clients[client] {
		r.mu.Unlock()
		return
	}
	delete(r.clients, client)
	client.close()
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		// Re-check under the hub lock: a Connect may have raced in.
		r.mu.Lock()
		stillEmpty := len(r.clients) == 0
		r.mu.Unlock()
		if stillEmpty {
			delete(h.rooms, client.projectID)
		}
		h.mu.Unlock()
		if stillEmpty && h.cleanup != nil {
			go h.cleanup(client.projectID)
		}
	}
}

// Broadcast sends a message to every socket in a project's room,
// returning the number of sockets it reached. Best-effort: a slow or
// failed socket is removed from the room without affecting the others.
func (h *Hub) Broadcast(projectID string, message []byte) int {
	h.mu.RLock()
	r, ok := h.rooms[projectID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	// The send loop runs under the room lock: Disconnect closes send
	// channels under the same lock, so no send can race with a close.
	r.mu.Lock()
	sent := 0
	var dropped []*Client
	for c := range r.clients {
		select {
		case c.send <- message:
			sent++
		default:
			h.log.Warnw("dropping slow websocket client", "project", projectID)
			delete(r.clients, c)
			c.close()
			dropped = append(dropped, c)
		}
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if empty && len(dropped) > 0 {
		h.mu.Lock()
		delete(h.rooms, projectID)
		h.mu.Unlock()
		if h.cleanup != nil {
			go h.cleanup(projectID)
		}
	}
	return sent
}

// SendPersonal delivers a message to a single socket.
func (h *Hub) SendPersonal(client *Client, message []byte) bool {
	h.mu.RLock()
	r, ok := h.rooms[client.projectID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.clients[client] {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		delete(r.clients, client)
		client.close()
		return false
	}
}

// RoomSize reports how many sockets a project's room currently holds.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	r, ok := h.rooms[projectID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// upgrader for the dashboard socket endpoint.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades an HTTP request into a room subscription and blocks
// on the read pump until the peer disconnects. Incoming frames are
// discarded; the socket is a one-way event feed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, projectID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := h.Connect(conn, projectID)
	defer h.Disconnect(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}
