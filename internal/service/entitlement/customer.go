// internal/service/entitlement/customer.go
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/service/billing"

	"go.uber.org/zap"
)

// customerResolver finds the billing customer of an account: the stored
// reference first, then a provider search by contact email. Any reference
// found remotely is claimed in the store before use, so concurrent callers
// converge on whichever reference was stored first.
type customerResolver struct {
	store    Store
	accounts AccountResolver
	provider billing.Provider
	logger   *zap.Logger
}

// storedRef returns the reference held by the snapshot, if any.
func storedRef(snap *entitlement.Snapshot) string {
	if snap == nil || snap.BillingCustomerRef == nil {
		return ""
	}
	return *snap.BillingCustomerRef
}

// resolve returns the customer reference, or "" when the account has no billing history.
func (c *customerResolver) resolve(ctx context.Context, accountID int64) (string, error) {
	snap, err := c.store.Get(ctx, accountID)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return "", fmt.Errorf("load entitlement: %w", err)
	}
	if ref := storedRef(snap); ref != "" {
		return ref, nil
	}

	acc, err := c.accounts.Resolve(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	if acc.Email == "" {
		return "", nil
	}

	customers, err := c.provider.FindCustomersByEmail(ctx, acc.Email)
	if err != nil {
		return "", err
	}
	if len(customers) == 0 {
		return "", nil
	}
	if len(customers) > 1 {
		c.logger.Warn("multiple billing customers share an email, using the first",
			zap.Int64("account_id", accountID),
			zap.Int("matches", len(customers)))
	}

	return c.claim(ctx, accountID, customers[0].ID)
}

// resolveOrCreate is resolve, creating a billing customer when none exists.
func (c *customerResolver) resolveOrCreate(ctx context.Context, accountID int64) (string, error) {
	ref, err := c.resolve(ctx, accountID)
	if err != nil || ref != "" {
		return ref, err
	}

	acc, err := c.accounts.Resolve(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	created, err := c.provider.CreateCustomer(ctx, acc.Email, accountID)
	if err != nil {
		return "", err
	}
	c.logger.Info("created billing customer",
		zap.Int64("account_id", accountID),
		zap.String("customer_ref", created.ID))

	return c.claim(ctx, accountID, created.ID)
}

func (c *customerResolver) claim(ctx context.Context, accountID int64, ref string) (string, error) {
	winner, err := c.store.ClaimBillingCustomerRef(ctx, accountID, ref)
	if err != nil {
		return "", fmt.Errorf("store billing customer: %w", err)
	}
	if winner != ref {
		c.logger.Info("billing customer already claimed, using stored reference",
			zap.Int64("account_id", accountID),
			zap.String("candidate_ref", ref),
			zap.String("stored_ref", winner))
	}
	return winner, nil
}
