// internal/service/entitlement/reconciler.go
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"clientdesk-service/internal/config"
	domain "clientdesk-service/internal/domain/billing"
	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/metrics"
	"clientdesk-service/internal/service/billing"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// relevantStatuses are the statuses considered when picking the subscription
// that decides entitlement. The most recently created one wins.
var relevantStatuses = map[domain.SubscriptionStatus]bool{
	domain.StatusActive:   true,
	domain.StatusCanceled: true,
	domain.StatusPastDue:  true,
}

// Reconciler refreshes an account's entitlement snapshot from the billing
// provider. It is the only writer of entitlement state.
type Reconciler struct {
	store       Store
	customers   *customerResolver
	provider    billing.Provider
	cfg         config.BillingConfig
	minInterval time.Duration
	group       singleflight.Group
	now         func() time.Time
	logger      *zap.Logger
}

func NewReconciler(
	store Store,
	accounts AccountResolver,
	provider billing.Provider,
	cfg config.BillingConfig,
	minInterval time.Duration,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store: store,
		customers: &customerResolver{
			store:    store,
			accounts: accounts,
			provider: provider,
			logger:   logger,
		},
		provider:    provider,
		cfg:         cfg,
		minInterval: minInterval,
		now:         time.Now,
		logger:      logger,
	}
}

// Reconcile returns the account's snapshot, refreshing it from the billing
// provider unless the stored one is younger than the minimum interval.
// Force always refreshes. On provider failure the stored snapshot is left as is.
func (r *Reconciler) Reconcile(ctx context.Context, accountID int64, opts entitlement.ReconcileOptions) (*entitlement.Snapshot, error) {
	if !opts.Force {
		if snap := r.freshSnapshot(ctx, accountID); snap != nil {
			metrics.ReconcileTotal.WithLabelValues("cached").Inc()
			return snap, nil
		}

		// Concurrent unforced calls share one provider round trip. Forced calls
		// come from billing events and must observe state after the event, so
		// they never join a reconciliation that may have started before it.
		v, err, _ := r.group.Do(strconv.FormatInt(accountID, 10), func() (interface{}, error) {
			return r.reconcile(context.WithoutCancel(ctx), accountID)
		})
		if err != nil {
			return nil, err
		}
		return v.(*entitlement.Snapshot), nil
	}

	return r.reconcile(ctx, accountID)
}

func (r *Reconciler) freshSnapshot(ctx context.Context, accountID int64) *entitlement.Snapshot {
	if r.minInterval <= 0 {
		return nil
	}
	snap, err := r.store.Get(ctx, accountID)
	if err != nil {
		if !errors.Is(err, xerrors.ErrNotFound) {
			r.logger.Warn("failed to read entitlement before reconcile", zap.Int64("account_id", accountID), zap.Error(err))
		}
		return nil
	}
	if r.now().Sub(snap.LastReconciledAt) >= r.minInterval {
		return nil
	}
	return snap
}

func (r *Reconciler) reconcile(ctx context.Context, accountID int64) (*entitlement.Snapshot, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	snap, err := r.fetch(ctx, accountID)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		r.logger.Error("entitlement reconciliation failed", zap.Int64("account_id", accountID), zap.Error(err))
		return nil, err
	}

	if err := r.store.Upsert(ctx, snap); err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist entitlement: %w", err)
	}
	if err := r.store.MirrorProviderProfile(ctx, accountID, snap.Tier, snap.PeriodEnd); err != nil {
		r.logger.Error("failed to mirror subscription onto provider profile",
			zap.Int64("account_id", accountID), zap.Error(err))
	}

	outcome := "unsubscribed"
	if snap.Subscribed {
		outcome = "subscribed"
	}
	metrics.ReconcileTotal.WithLabelValues(outcome).Inc()

	r.logger.Debug("entitlement reconciled",
		zap.Int64("account_id", accountID),
		zap.Bool("subscribed", snap.Subscribed),
		zap.String("tier", string(snap.EffectiveTier())))

	return snap, nil
}

// fetch builds the new snapshot without writing anything but a discovered customer reference.
func (r *Reconciler) fetch(ctx context.Context, accountID int64) (*entitlement.Snapshot, error) {
	ref, err := r.customers.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		return entitlement.Unsubscribed(accountID, nil, r.now()), nil
	}

	subs, err := r.provider.ListSubscriptions(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := r.now()
	selected := selectSubscription(subs)
	if selected == nil || selected.Status != domain.StatusActive {
		return entitlement.Unsubscribed(accountID, &ref, now), nil
	}

	tier := r.tierOf(accountID, selected)
	periodEnd := selected.CurrentPeriodEnd
	return &entitlement.Snapshot{
		AccountID:          accountID,
		BillingCustomerRef: &ref,
		Subscribed:         true,
		Tier:               &tier,
		PeriodEnd:          &periodEnd,
		LastReconciledAt:   now,
	}, nil
}

// selectSubscription picks the most recently created subscription in a relevant status.
func selectSubscription(subs []domain.Subscription) *domain.Subscription {
	var selected *domain.Subscription
	for i := range subs {
		sub := &subs[i]
		if !relevantStatuses[sub.Status] {
			continue
		}
		if selected == nil || sub.Created.After(selected.Created) {
			selected = sub
		}
	}
	return selected
}

// tierOf maps the subscription's price to a tier, falling back to the amount
// thresholds for unrecognized prices.
func (r *Reconciler) tierOf(accountID int64, sub *domain.Subscription) entitlement.Tier {
	if tier, ok := r.cfg.PriceTiers[sub.PriceID]; ok {
		return tier
	}

	tier := tierFromAmount(sub.UnitAmount, r.cfg.StarterMinAmount, r.cfg.ProMinAmount)
	metrics.TierFallbackTotal.WithLabelValues(string(tier)).Inc()

	fields := []zap.Field{
		zap.Int64("account_id", accountID),
		zap.String("subscription_id", sub.ID),
		zap.String("price_id", sub.PriceID),
		zap.String("tier", string(tier)),
	}
	if sub.UnitAmount != nil {
		fields = append(fields, zap.Int64("unit_amount", *sub.UnitAmount))
	}
	r.logger.Warn("unrecognized price, tier assigned from amount thresholds", fields...)

	return tier
}

func tierFromAmount(amount *int64, starterMin, proMin int64) entitlement.Tier {
	switch {
	case amount == nil:
		return entitlement.TierFree
	case *amount >= proMin:
		return entitlement.TierPro
	case *amount >= starterMin:
		return entitlement.TierStarter
	default:
		return entitlement.TierFree
	}
}
