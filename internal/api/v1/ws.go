package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"foreman/internal/auth"
	"foreman/internal/logging"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bearer-token auth already gates the endpoint; origins are not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebSocket upgrades the connection and streams the authenticated
// user's events until either side closes. Client frames are drained and
// ignored.
func (h *APIHandlers) handleWebSocket(c *gin.Context) {
	user, ok := auth.GetUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error("websocket upgrade: %v", err)
		return
	}

	connID := uuid.New().String()
	eventCh := h.broadcaster.Subscribe(user.ID, connID)
	defer h.broadcaster.Unsubscribe(connID)
	defer conn.Close()

	logging.Debug("websocket %s connected (user %d)", connID, user.ID)

	// Reader goroutine: client frames are ignored, but reading is required
	// to notice the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-eventCh:
			if !open {
				// Dropped by the broadcaster for being too slow.
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logging.Debug("websocket %s write: %v", connID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
