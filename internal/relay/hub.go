package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

type feedClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	connID    string
	closeOnce sync.Once
}

func (c *feedClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *feedClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub tracks the live event-feed connections keyed by user. A user may
// hold several connections (multiple devices); presence is the union.
type Hub struct {
	mu    sync.Mutex
	users map[string]map[string]*feedClient // userID -> connID -> client
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[string]map[string]*feedClient),
	}
}

// Add registers a connection and reports whether the user just came
// online (first connection).
func (h *Hub) Add(client *feedClient) (cameOnline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[client.userID]
	if !ok {
		conns = make(map[string]*feedClient)
		h.users[client.userID] = conns
	}
	conns[client.connID] = client
	return !ok
}

// Remove drops a connection and reports whether the user just went
// offline (last connection gone).
func (h *Hub) Remove(userID, connID string) (wentOffline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[userID]
	if !ok {
		return false
	}
	if client, exists := conns[connID]; exists {
		client.closeSend()
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.users, userID)
		return true
	}
	return false
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID]) > 0
}

// SendToUser delivers the payload to every live connection of the user.
// Connections with a full send buffer are closed; their read pumps
// handle cleanup.
func (h *Hub) SendToUser(userID string, payload []byte) {
	h.mu.Lock()
	var clients []*feedClient
	if conns, ok := h.users[userID]; ok {
		clients = make([]*feedClient, 0, len(conns))
		for _, client := range conns {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			_ = client.conn.Close()
		}
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	var clients []*feedClient
	for _, conns := range h.users {
		for _, client := range conns {
			clients = append(clients, client)
		}
	}
	h.users = make(map[string]map[string]*feedClient)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
		client.closeSend()
	}
}
