// internal/handlers/call/call.go
package call

import (
	"context"
	"errors"
	"net/http"

	"clientdesk-service/internal/domain/relationship"
	wstypes "clientdesk-service/internal/domain/websocket"
	"clientdesk-service/internal/middleware"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/response"
	ws "clientdesk-service/internal/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type rooms interface {
	OpenRoom(ctx context.Context, relationshipID int64, allowed []int64) (string, error)
	CloseRoom(ctx context.Context, roomID, reason string) error
	Room(roomID string) (*ws.RoomInfo, error)
	NotifyIdentities(identityIDs []int64, msg *wstypes.WSMessage) int
}

type relationships interface {
	FindByID(ctx context.Context, id int64) (*relationship.Relationship, error)
}

type gate interface {
	CanInteractWithRelationship(ctx context.Context, providerAccountID, relationshipID int64) bool
}

type OpenCallRequest struct {
	RelationshipID int64 `json:"relationship_id" binding:"required,gt=0"`
}

type CallHandler struct {
	rooms         rooms
	relationships relationships
	gate          gate
	logger        *zap.Logger
}

func NewCallHandler(rooms rooms, relationships relationships, gate gate, logger *zap.Logger) *CallHandler {
	return &CallHandler{
		rooms:         rooms,
		relationships: relationships,
		gate:          gate,
		logger:        logger,
	}
}

// OpenCall opens (or returns) the signaling room of a relationship. Both
// sides may call it; the provider's entitlement decides.
func (h *CallHandler) OpenCall(c *gin.Context) {
	accountID := middleware.MustGetIdentityID(c)

	var req OpenCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err)
		return
	}
	ctx := c.Request.Context()

	rel, ok := h.participantRelationship(c, accountID, req.RelationshipID)
	if !ok {
		return
	}
	if rel.Status != relationship.StatusAccepted {
		response.Error(c, http.StatusConflict, "relationship is not accepted", nil)
		return
	}
	if !h.gate.CanInteractWithRelationship(ctx, rel.ProviderAccountID, rel.ID) {
		response.Error(c, http.StatusForbidden, "relationship is outside the provider's plan limit", xerrors.ErrLimitReached)
		return
	}

	roomID, err := h.rooms.OpenRoom(ctx, rel.ID, []int64{rel.ProviderAccountID, rel.ClientAccountID})
	if err != nil {
		h.logger.Error("failed to open call room", zap.Int64("relationship_id", rel.ID), zap.Error(err))
		response.Error(c, http.StatusServiceUnavailable, "failed to open call", nil)
		return
	}

	info, err := h.rooms.Room(roomID)
	if err != nil {
		// Closed between open and read; the caller can retry.
		response.Error(c, http.StatusConflict, "call closed", err)
		return
	}

	callee := rel.ClientAccountID
	if accountID == rel.ClientAccountID {
		callee = rel.ProviderAccountID
	}
	reached := h.rooms.NotifyIdentities([]int64{callee}, wstypes.NewMessage(wstypes.EventTypeCallIncoming, wstypes.CallIncomingData{
		RoomID:         roomID,
		RelationshipID: rel.ID,
		From:           ws.ParticipantID(accountID),
	}))
	h.logger.Info("call opened",
		zap.String("room_id", roomID),
		zap.Int64("relationship_id", rel.ID),
		zap.Int64("caller_id", accountID),
		zap.Int("callee_connections", reached))

	response.Success(c, http.StatusCreated, "call opened", info)
}

// GetCall returns who is currently present in a room.
func (h *CallHandler) GetCall(c *gin.Context) {
	info, ok := h.participantRoom(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, "call retrieved", info)
}

// EndCall closes a room for everyone in it.
func (h *CallHandler) EndCall(c *gin.Context) {
	info, ok := h.participantRoom(c)
	if !ok {
		return
	}

	err := h.rooms.CloseRoom(c.Request.Context(), info.ID, "ended")
	if err != nil && !errors.Is(err, ws.ErrRoomNotFound) {
		h.logger.Error("failed to close call room", zap.String("room_id", info.ID), zap.Error(err))
		response.Error(c, http.StatusServiceUnavailable, "failed to end call", nil)
		return
	}
	response.Success(c, http.StatusOK, "call ended", nil)
}

func (h *CallHandler) participantRoom(c *gin.Context) (*ws.RoomInfo, bool) {
	accountID := middleware.MustGetIdentityID(c)

	info, err := h.rooms.Room(c.Param("room_id"))
	if err != nil {
		response.NotFound(c, "call not found")
		return nil, false
	}
	if _, ok := h.participantRelationship(c, accountID, info.RelationshipID); !ok {
		return nil, false
	}
	return info, true
}

// participantRelationship loads a relationship the account is part of,
// answering 404 otherwise so ids of other accounts are not confirmed.
func (h *CallHandler) participantRelationship(c *gin.Context, accountID, relationshipID int64) (*relationship.Relationship, bool) {
	rel, err := h.relationships.FindByID(c.Request.Context(), relationshipID)
	if errors.Is(err, xerrors.ErrNotFound) || (err == nil && !rel.HasParticipant(accountID)) {
		response.NotFound(c, "relationship not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load relationship", zap.Int64("relationship_id", relationshipID), zap.Error(err))
		response.InternalError(c, "failed to load relationship")
		return nil, false
	}
	return rel, true
}
