// internal/handlers/relationship/relationship.go
package relationship

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"clientdesk-service/internal/domain/entitlement"
	"clientdesk-service/internal/domain/relationship"
	"clientdesk-service/internal/middleware"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type gate interface {
	CanAcceptNewRelationship(ctx context.Context, providerAccountID int64) bool
	CanInteractWithRelationship(ctx context.Context, providerAccountID, relationshipID int64) bool
	AccessibleRelationships(ctx context.Context, providerAccountID int64, relationshipIDs []int64) map[int64]bool
	Limit(ctx context.Context, providerAccountID int64) (int, entitlement.Tier, error)
}

type relationships interface {
	FindByID(ctx context.Context, id int64) (*relationship.Relationship, error)
	Accept(ctx context.Context, providerAccountID, relationshipID int64, limit int) error
}

type RelationshipHandler struct {
	gate          gate
	relationships relationships
	logger        *zap.Logger
}

func NewRelationshipHandler(gate gate, relationships relationships, logger *zap.Logger) *RelationshipHandler {
	return &RelationshipHandler{
		gate:          gate,
		relationships: relationships,
		logger:        logger,
	}
}

// Admission tells a provider whether it can accept another client.
func (h *RelationshipHandler) Admission(c *gin.Context) {
	providerID := middleware.MustGetIdentityID(c)
	ctx := c.Request.Context()

	resp := entitlement.AdmissionResponse{CanAccept: h.gate.CanAcceptNewRelationship(ctx, providerID)}
	limit, tier, err := h.gate.Limit(ctx, providerID)
	if err != nil {
		// The gate already failed open; show the free tier.
		h.logger.Warn("failed to load limit for admission", zap.Int64("account_id", providerID), zap.Error(err))
		tier = entitlement.TierFree
		limit = entitlement.TierLimits[tier]
	}
	resp.Limit = limit
	resp.Tier = tier

	response.Success(c, http.StatusOK, "admission evaluated", resp)
}

// Access reports whether the caller may interact with one relationship.
// Clients are gated by their provider's entitlement.
func (h *RelationshipHandler) Access(c *gin.Context) {
	relationshipID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid relationship ID", err)
		return
	}
	ctx := c.Request.Context()
	acc := middleware.GetAccount(c)

	var providerID int64
	switch {
	case acc.IsProvider():
		providerID = acc.ID
	case acc.IsClient():
		rel, err := h.relationships.FindByID(ctx, relationshipID)
		if errors.Is(err, xerrors.ErrNotFound) || (err == nil && !rel.HasParticipant(acc.ID)) {
			response.NotFound(c, "relationship not found")
			return
		}
		if err != nil {
			h.logger.Error("failed to load relationship", zap.Int64("relationship_id", relationshipID), zap.Error(err))
			response.InternalError(c, "failed to load relationship")
			return
		}
		providerID = rel.ProviderAccountID
	default:
		response.Forbidden(c, "account has no provider or client profile")
		return
	}

	allowed := h.gate.CanInteractWithRelationship(ctx, providerID, relationshipID)
	response.Success(c, http.StatusOK, "access evaluated", gin.H{
		"relationship_id": relationshipID,
		"allowed":         allowed,
	})
}

// BulkAccess evaluates access for a provider's relationship list.
func (h *RelationshipHandler) BulkAccess(c *gin.Context) {
	providerID := middleware.MustGetIdentityID(c)

	var req entitlement.AccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err)
		return
	}

	access := h.gate.AccessibleRelationships(c.Request.Context(), providerID, req.RelationshipIDs)
	response.Success(c, http.StatusOK, "access evaluated", entitlement.AccessResponse{Access: access})
}

// Accept admits a pending relationship when the provider is under its limit.
func (h *RelationshipHandler) Accept(c *gin.Context) {
	providerID := middleware.MustGetIdentityID(c)
	relationshipID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid relationship ID", err)
		return
	}
	ctx := c.Request.Context()

	if !h.gate.CanAcceptNewRelationship(ctx, providerID) {
		limit, tier, _ := h.gate.Limit(ctx, providerID)
		limitReached(c, limit, tier)
		return
	}

	// The store re-checks the limit under a lock; a failed lookup keeps the gate's fail-open answer.
	limit, tier, err := h.gate.Limit(ctx, providerID)
	if err != nil {
		h.logger.Warn("failed to load limit for accept", zap.Int64("account_id", providerID), zap.Error(err))
		limit = entitlement.Unlimited
	}

	if err := h.relationships.Accept(ctx, providerID, relationshipID, limit); err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			response.NotFound(c, "pending relationship not found")
			return
		}
		if errors.Is(err, xerrors.ErrLimitReached) {
			limitReached(c, limit, tier)
			return
		}
		h.logger.Error("failed to accept relationship",
			zap.Int64("provider_id", providerID),
			zap.Int64("relationship_id", relationshipID),
			zap.Error(err))
		response.InternalError(c, "failed to accept relationship")
		return
	}

	h.logger.Info("relationship accepted",
		zap.Int64("account_id", providerID),
		zap.Int64("relationship_id", relationshipID))

	response.Success(c, http.StatusOK, "relationship accepted", gin.H{"relationship_id": relationshipID})
}

func limitReached(c *gin.Context, limit int, tier entitlement.Tier) {
	response.Error(c, http.StatusForbidden, "upgrade required to accept more clients", xerrors.ErrLimitReached, gin.H{
		"limit": limit,
		"tier":  tier,
	})
}
