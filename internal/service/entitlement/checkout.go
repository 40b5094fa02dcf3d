// internal/service/entitlement/checkout.go
package entitlement

import (
	"context"
	"fmt"
	"strconv"

	"clientdesk-service/internal/config"
	domain "clientdesk-service/internal/domain/billing"
	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/metrics"
	"clientdesk-service/internal/service/billing"

	"go.uber.org/zap"
)

// managedStatuses mark a subscription the billing provider is still managing.
// An account holding one is sent to the portal instead of a second checkout.
var managedStatuses = map[domain.SubscriptionStatus]bool{
	domain.StatusActive:     true,
	domain.StatusTrialing:   true,
	domain.StatusPastDue:    true,
	domain.StatusUnpaid:     true,
	domain.StatusIncomplete: true,
}

// Checkout starts upgrades and opens the self-service billing portal.
type Checkout struct {
	customers *customerResolver
	provider  billing.Provider
	cfg       config.BillingConfig
	logger    *zap.Logger
}

func NewCheckout(store Store, accounts AccountResolver, provider billing.Provider, cfg config.BillingConfig, logger *zap.Logger) *Checkout {
	return &Checkout{
		customers: &customerResolver{
			store:    store,
			accounts: accounts,
			provider: provider,
			logger:   logger,
		},
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// StartUpgrade returns where to send the account to move to targetTier: a new
// checkout session, or the portal when a paid subscription already exists.
func (c *Checkout) StartUpgrade(ctx context.Context, accountID int64, targetTier entitlement.Tier) (*entitlement.CheckoutResult, error) {
	result, err := c.startUpgrade(ctx, accountID, targetTier)
	switch {
	case err != nil:
		metrics.CheckoutTotal.WithLabelValues("error").Inc()
	case result.IsNewCheckout:
		metrics.CheckoutTotal.WithLabelValues("checkout").Inc()
	default:
		metrics.CheckoutTotal.WithLabelValues("portal").Inc()
	}
	return result, err
}

func (c *Checkout) startUpgrade(ctx context.Context, accountID int64, targetTier entitlement.Tier) (*entitlement.CheckoutResult, error) {
	if !targetTier.IsPaid() {
		return nil, fmt.Errorf("%w: tier %q cannot be purchased", xerrors.ErrInvalidInput, targetTier)
	}
	priceID, ok := c.cfg.TierPrices[targetTier]
	if !ok || priceID == "" {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrPriceNotConfigured, targetTier)
	}

	ref, err := c.customers.resolveOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}

	subs, err := c.provider.ListSubscriptions(ctx, ref)
	if err != nil {
		return nil, err
	}
	if managed := c.managedSubscription(subs); managed != nil {
		c.logger.Info("account already has a managed subscription, redirecting to portal",
			zap.Int64("account_id", accountID),
			zap.String("subscription_id", managed.ID),
			zap.String("status", string(managed.Status)),
			zap.String("target_tier", string(targetTier)))

		url, err := c.portal(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &entitlement.CheckoutResult{RedirectURL: url, IsNewCheckout: false}, nil
	}

	url, err := c.provider.CreateCheckoutSession(ctx, domain.CheckoutSessionParams{
		CustomerRef: ref,
		PriceID:     priceID,
		SuccessURL:  c.cfg.SuccessURL,
		CancelURL:   c.cfg.CancelURL,
		Metadata: map[string]string{
			domain.MetadataAccountID: strconv.FormatInt(accountID, 10),
			domain.MetadataTier:      string(targetTier),
		},
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("checkout session created",
		zap.Int64("account_id", accountID),
		zap.String("tier", string(targetTier)))

	return &entitlement.CheckoutResult{RedirectURL: url, IsNewCheckout: true}, nil
}

// OpenPortal returns a self-service portal URL for the account's billing customer.
func (c *Checkout) OpenPortal(ctx context.Context, accountID int64) (string, error) {
	ref, err := c.customers.resolveOrCreate(ctx, accountID)
	if err != nil {
		return "", err
	}
	return c.portal(ctx, ref)
}

func (c *Checkout) portal(ctx context.Context, ref string) (string, error) {
	return c.provider.CreatePortalSession(ctx, domain.PortalSessionParams{
		CustomerRef: ref,
		ReturnURL:   c.cfg.PortalReturnURL,
	})
}

// managedSubscription returns a subscription in a managed status on any
// recognized paid price, not only the target tier's.
func (c *Checkout) managedSubscription(subs []domain.Subscription) *domain.Subscription {
	for i := range subs {
		sub := &subs[i]
		if !managedStatuses[sub.Status] {
			continue
		}
		if tier, ok := c.cfg.PriceTiers[sub.PriceID]; ok && tier.IsPaid() {
			return sub
		}
	}
	return nil
}
