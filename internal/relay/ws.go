package relay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/campuslink/campuscall/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleFeed upgrades the connection to the change-event feed. The
// user is marked online while at least one feed connection is live.
func (h *Handlers) HandleFeed(c *gin.Context) {
	userID := c.GetString("user_id")

	connID, err := gonanoid.New(12)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to allocate connection id"})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &feedClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		userID: userID,
		connID: connID,
	}

	if cameOnline := h.hub.Add(client); cameOnline {
		h.setPresence(userID, true)
	}
	h.logger.Debug("feed connected", "user_id", userID, "conn_id", connID)

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handlers) readPump(client *feedClient) {
	defer func() {
		_ = client.conn.Close()
		if wentOffline := h.hub.Remove(client.userID, client.connID); wentOffline {
			h.setPresence(client.userID, false)
		}
		h.logger.Debug("feed disconnected", "user_id", client.userID, "conn_id", client.connID)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPingHandler(func(appData string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return client.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// The feed is one-way; reads only service control frames.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) writePump(client *feedClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) setPresence(userID string, online bool) {
	err := h.db.Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"is_online":    online,
			"last_seen_at": h.nowFn(),
		}).Error
	if err != nil {
		h.logger.Warn("presence update failed", "user_id", userID, "online", online, "error", err)
	}
}
