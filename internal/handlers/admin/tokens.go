// internal/handlers/admin/tokens.go
package admin

import (
	"context"
	"net/http"
	"time"

	"clientdesk-service/internal/middleware"
	"clientdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

type sessions interface {
	DisconnectSession(sessionID string) int
}

type RevokeTokenRequest struct {
	TokenID string `json:"token_id" binding:"required"`
	// TTLSeconds should cover the token's remaining lifetime.
	TTLSeconds int64 `json:"ttl_seconds" binding:"required,gt=0,lte=2592000"`
}

type TokenHandler struct {
	revocations revoker
	sessions    sessions
	logger      *zap.Logger
}

func NewTokenHandler(revocations revoker, sessions sessions, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{revocations: revocations, sessions: sessions, logger: logger}
}

// RevokeToken refuses an access token id on every instance until its ttl
// passes and drops this instance's websocket connections opened with it.
func (h *TokenHandler) RevokeToken(c *gin.Context) {
	var req RevokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.revocations.Revoke(c.Request.Context(), req.TokenID, ttl); err != nil {
		h.logger.Error("failed to revoke token", zap.String("token_id", req.TokenID), zap.Error(err))
		response.InternalError(c, "failed to revoke token")
		return
	}

	disconnected := h.sessions.DisconnectSession(req.TokenID)

	h.logger.Info("access token revoked",
		zap.Int64("admin_id", middleware.MustGetIdentityID(c)),
		zap.String("token_id", req.TokenID),
		zap.Duration("ttl", ttl),
		zap.Int("disconnected", disconnected))

	response.Success(c, http.StatusOK, "token revoked", gin.H{"disconnected": disconnected})
}
