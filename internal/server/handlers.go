// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, message history and presence lookups.
package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/history"
	"github.com/Tyrowin/gochat-live/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades the request to a push channel session and hands
// it to hub. With a verifier, the request must carry a valid bearer token
// and the session may only set up as the token's user.
func WebSocketHandler(hub *Hub, verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		if verifier != nil {
			var err error
			userID, err = verifier.Verify(auth.TokenFromRequest(c.Request))
			if err != nil {
				logger.Warn("websocket: rejected unauthenticated upgrade",
					zap.String("remote", c.Request.RemoteAddr), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket: upgrade failed", zap.String("remote", c.Request.RemoteAddr), zap.Error(err))
			return
		}

		session := NewSession(conn, hub, c.Request.RemoteAddr)
		session.SetAuthenticatedUser(userID)

		if !hub.Register(session) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
		}
	}
}

// HealthHandler reports that the server is up.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "GoChat server is running!")
}

// HistoryHandler serves GET /api/message/:chatId, the stored messages of a
// conversation oldest first. An optional limit query caps the count.
func HistoryHandler(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := c.Param("chatId")

		limit := history.DefaultLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		messages, err := store.History(c.Request.Context(), chatID, limit)
		switch {
		case errors.Is(err, history.ErrInvalidChatID):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			logger.Error("history: read failed", zap.String("chat", chatID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load messages"})
			return
		}
		c.JSON(http.StatusOK, messages)
	}
}

// presenceResponse is the body of GET /api/presence/:userId.
type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Node   string `json:"node,omitempty"`
}

// PresenceHandler serves GET /api/presence/:userId.
func PresenceHandler(lookup PresenceLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")

		node, online, err := lookup.Lookup(c.Request.Context(), userID)
		if err != nil {
			logger.Error("presence: lookup failed", zap.String("user", userID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
			return
		}
		c.JSON(http.StatusOK, presenceResponse{UserID: userID, Online: online, Node: node})
	}
}
