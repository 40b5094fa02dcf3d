// internal/handlers/billing/billing.go
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"clientdesk-service/internal/config"
	domain "clientdesk-service/internal/domain/billing"
	"clientdesk-service/internal/domain/entitlement"
	"clientdesk-service/internal/middleware"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/metrics"
	"clientdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

const webhookBodyLimit = 65536

type reconciler interface {
	Reconcile(ctx context.Context, accountID int64, opts entitlement.ReconcileOptions) (*entitlement.Snapshot, error)
}

type checkout interface {
	StartUpgrade(ctx context.Context, accountID int64, targetTier entitlement.Tier) (*entitlement.CheckoutResult, error)
	OpenPortal(ctx context.Context, accountID int64) (string, error)
}

type webhookProcessor interface {
	CheckoutCompleted(ctx context.Context, accountID int64, customerRef string) (*entitlement.Snapshot, error)
	SubscriptionChanged(ctx context.Context, customerRef string) (*entitlement.Snapshot, error)
}

type BillingHandler struct {
	reconciler reconciler
	checkout   checkout
	webhooks   webhookProcessor
	cfg        config.BillingConfig
	logger     *zap.Logger
}

func NewBillingHandler(reconciler reconciler, checkout checkout, webhooks webhookProcessor, cfg config.BillingConfig, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{
		reconciler: reconciler,
		checkout:   checkout,
		webhooks:   webhooks,
		cfg:        cfg,
		logger:     logger,
	}
}

// EntitlementView is what the dashboard reads after login.
type EntitlementView struct {
	Snapshot *entitlement.Snapshot `json:"snapshot"`
	Tier     entitlement.Tier      `json:"tier"`
	Limit    int                   `json:"limit"`
}

func newEntitlementView(snap *entitlement.Snapshot) EntitlementView {
	return EntitlementView{
		Snapshot: snap,
		Tier:     snap.EffectiveTier(),
		Limit:    snap.RelationshipLimit(),
	}
}

// GetEntitlement reconciles the caller through the freshness policy and returns the result.
func (h *BillingHandler) GetEntitlement(c *gin.Context) {
	accountID := middleware.MustGetIdentityID(c)

	snap, err := h.reconciler.Reconcile(c.Request.Context(), accountID, entitlement.ReconcileOptions{})
	if err != nil {
		h.billingError(c, "failed to load entitlement", err)
		return
	}

	response.Success(c, http.StatusOK, "entitlement retrieved", newEntitlementView(snap))
}

// Reconcile refreshes the caller's entitlement; ?force=true skips the minimum interval.
func (h *BillingHandler) Reconcile(c *gin.Context) {
	accountID := middleware.MustGetIdentityID(c)
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	snap, err := h.reconciler.Reconcile(c.Request.Context(), accountID, entitlement.ReconcileOptions{Force: force})
	if err != nil {
		h.billingError(c, "failed to reconcile entitlement", err)
		return
	}

	response.Success(c, http.StatusOK, "entitlement reconciled", newEntitlementView(snap))
}

func (h *BillingHandler) Checkout(c *gin.Context) {
	accountID := middleware.MustGetIdentityID(c)

	var req entitlement.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err)
		return
	}
	tier, err := entitlement.ParseTier(req.Tier)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid tier", err)
		return
	}

	result, err := h.checkout.StartUpgrade(c.Request.Context(), accountID, tier)
	if err != nil {
		h.billingError(c, "failed to start checkout", err)
		return
	}

	response.Success(c, http.StatusOK, "checkout ready", result)
}

func (h *BillingHandler) Portal(c *gin.Context) {
	accountID := middleware.MustGetIdentityID(c)

	url, err := h.checkout.OpenPortal(c.Request.Context(), accountID)
	if err != nil {
		h.billingError(c, "failed to open billing portal", err)
		return
	}

	response.Success(c, http.StatusOK, "portal ready", gin.H{"redirect_url": url})
}

// Webhook verifies the provider signature and applies the event.
// Provider failures answer 5xx so the event is redelivered.
func (h *BillingHandler) Webhook(c *gin.Context) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if strings.TrimSpace(h.cfg.WebhookSecret) == "" {
		status = http.StatusServiceUnavailable
		response.Error(c, status, "webhook secret not configured", nil)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit))
	if err != nil {
		status = http.StatusBadRequest
		response.Error(c, status, "failed to read request body", err)
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		status = http.StatusBadRequest
		response.Error(c, status, "missing signature", nil)
		return
	}
	if err := webhook.ValidatePayload(payload, sigHeader, h.cfg.WebhookSecret); err != nil {
		status = http.StatusBadRequest
		response.Error(c, status, "invalid signature", err)
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.Data == nil {
		status = http.StatusBadRequest
		response.Error(c, status, "invalid event payload", err)
		return
	}
	eventType = event.Type

	if err := h.handleEvent(c.Request.Context(), &event); err != nil {
		h.logger.Error("billing webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Error(err))

		if errors.Is(err, xerrors.ErrInvalidInput) {
			// Redelivery cannot fix a malformed event; acknowledge it.
			status = http.StatusOK
			response.Success(c, status, "event ignored", gin.H{"received": true})
			return
		}
		status = http.StatusInternalServerError
		if errors.Is(err, xerrors.ErrBillingProvider) {
			status = http.StatusBadGateway
		}
		response.Error(c, status, "processing failed", nil)
		return
	}

	response.Success(c, status, "event processed", gin.H{"received": true})
}

func (h *BillingHandler) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "decode checkout session")
		}

		accountRef := sess.Metadata[domain.MetadataAccountID]
		if accountRef == "" {
			accountRef = sess.ClientReferenceID
		}
		accountID, err := strconv.ParseInt(accountRef, 10, 64)
		if err != nil {
			h.logger.Warn("checkout session without a usable account id",
				zap.String("session_id", sess.ID),
				zap.String("account_ref", accountRef))
			return xerrors.Wrap(xerrors.ErrInvalidInput, "checkout session account id")
		}

		var customerRef string
		if sess.Customer != nil {
			customerRef = sess.Customer.ID
		}
		_, err = h.webhooks.CheckoutCompleted(ctx, accountID, customerRef)
		return err

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "decode subscription")
		}
		if sub.Customer == nil || sub.Customer.ID == "" {
			return xerrors.Wrap(xerrors.ErrInvalidInput, "subscription without customer")
		}
		_, err := h.webhooks.SubscriptionChanged(ctx, sub.Customer.ID)
		return err

	default:
		h.logger.Debug("billing webhook ignored", zap.String("type", event.Type), zap.String("event_id", event.ID))
		return nil
	}
}

// billingError maps the billing error taxonomy onto HTTP statuses.
func (h *BillingHandler) billingError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, xerrors.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, message, err)
	case xerrors.IsBillingConfig(err):
		response.Error(c, http.StatusUnprocessableEntity, message, err, gin.H{"setup_url": h.cfg.SetupURL})
	case errors.Is(err, xerrors.ErrUnauthorized):
		response.Error(c, http.StatusUnauthorized, message, err)
	case errors.Is(err, xerrors.ErrBillingProvider):
		h.logger.Warn("billing provider failure", zap.String("path", c.FullPath()), zap.Error(err))
		response.Error(c, http.StatusBadGateway, message, xerrors.ErrBillingProvider)
	case errors.Is(err, xerrors.ErrNotFound):
		response.Error(c, http.StatusNotFound, message, err)
	default:
		h.logger.Error("billing request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.InternalError(c, message)
	}
}
