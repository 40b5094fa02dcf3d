// internal/service/entitlement/webhook.go
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// WebhookProcessor applies billing events through the same reconciliation
// path as on-demand refreshes.
type WebhookProcessor struct {
	store      Store
	reconciler *Reconciler
	logger     *zap.Logger
}

func NewWebhookProcessor(store Store, reconciler *Reconciler, logger *zap.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		store:      store,
		reconciler: reconciler,
		logger:     logger,
	}
}

// CheckoutCompleted records the customer of a finished checkout for the
// account named in its metadata, then refreshes that account.
func (w *WebhookProcessor) CheckoutCompleted(ctx context.Context, accountID int64, customerRef string) (*entitlement.Snapshot, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: checkout session carries no account id", xerrors.ErrInvalidInput)
	}

	if customerRef != "" {
		winner, err := w.store.ClaimBillingCustomerRef(ctx, accountID, customerRef)
		if err != nil {
			return nil, fmt.Errorf("store billing customer: %w", err)
		}
		if winner != customerRef {
			w.logger.Warn("checkout completed for a different customer than the stored one",
				zap.Int64("account_id", accountID),
				zap.String("event_customer_ref", customerRef),
				zap.String("stored_customer_ref", winner))
		}
	}

	return w.reconciler.Reconcile(ctx, accountID, entitlement.ReconcileOptions{Force: true})
}

// SubscriptionChanged refreshes the account owning customerRef. Events for
// customers this service never stored are ignored; it returns nil, nil.
func (w *WebhookProcessor) SubscriptionChanged(ctx context.Context, customerRef string) (*entitlement.Snapshot, error) {
	snap, err := w.store.FindByCustomerRef(ctx, customerRef)
	if errors.Is(err, xerrors.ErrNotFound) {
		w.logger.Info("subscription event for unknown customer ignored", zap.String("customer_ref", customerRef))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entitlement by customer: %w", err)
	}

	return w.reconciler.Reconcile(ctx, snap.AccountID, entitlement.ReconcileOptions{Force: true})
}
