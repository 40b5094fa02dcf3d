// internal/handlers/websocket/websocket.go
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"clientdesk-service/internal/pkg/response"
	ws "clientdesk-service/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type revocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type WebSocketHandler struct {
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	revocations revocationChecker
	logger      *zap.Logger
}

// NewWebSocketHandler accepts upgrades from the listed origins. An empty list
// or "*" accepts any origin.
func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// WithRevocations refuses upgrades for revoked token ids.
func (h *WebSocketHandler) WithRevocations(r revocationChecker) *WebSocketHandler {
	h.revocations = r
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// HandleConnection handles WebSocket connection with authentication
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// Extract token from query parameter or header
	token := h.extractToken(c)
	if token == "" {
		response.Unauthorized(c, "missing authentication token")
		return
	}

	auth, err := h.hub.AuthenticateClient(token)
	if err != nil {
		h.logger.Warn("websocket authentication failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		response.Error(c, http.StatusUnauthorized, "authentication failed", err)
		return
	}

	if h.revocations != nil {
		revoked, err := h.revocations.IsRevoked(c.Request.Context(), auth.SessionID)
		if err != nil {
			h.logger.Error("failed to check token revocation", zap.Error(err))
			response.Error(c, http.StatusServiceUnavailable, "unable to verify session", nil)
			return
		}
		if revoked {
			response.Unauthorized(c, "token has been revoked")
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		return
	}

	client := ws.NewClient(h.hub, conn, auth)
	if err := h.hub.Register(client); err != nil {
		h.logger.Warn("websocket hub unavailable", zap.Error(err))
		conn.Close()
		return
	}

	h.logger.Info("websocket client connected",
		zap.Int64("identity_id", auth.IdentityID),
		zap.String("session_id", auth.SessionID),
		zap.Strings("roles", auth.Roles),
	)

	go client.WritePump()
	go client.ReadPump()
}

// extractToken extracts token from query param or Authorization header
func (h *WebSocketHandler) extractToken(c *gin.Context) string {
	// Browsers cannot set headers on a websocket upgrade.
	token := c.Query("token")
	if token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	return ""
}

// GetStats returns WebSocket connection statistics (admin only)
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	stats := map[string]interface{}{
		"total_connections": h.hub.TotalClients(),
		"open_rooms":        h.hub.TotalRooms(),
		"timestamp":         time.Now(),
	}

	response.Success(c, http.StatusOK, "WebSocket stats", stats)
}
