// internal/service/billing/provider.go
package billing

import (
	"context"

	domain "clientdesk-service/internal/domain/billing"
	xerrors "clientdesk-service/internal/pkg/errors"
)

// Provider is the contract the entitlement engine expects from the external
// billing provider. Implementations wrap transport failures in
// xerrors.ErrBillingProvider and setup problems in xerrors.ErrBillingConfig.
type Provider interface {
	FindCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, email string, accountID int64) (*domain.Customer, error)
	// ListSubscriptions returns every subscription of the customer, historical ones included.
	ListSubscriptions(ctx context.Context, customerRef string) ([]domain.Subscription, error)
	CreateCheckoutSession(ctx context.Context, params domain.CheckoutSessionParams) (string, error)
	CreatePortalSession(ctx context.Context, params domain.PortalSessionParams) (string, error)
}

// Unconfigured stands in for the provider when no API key is set, so every
// billing call reports a configuration error instead of a connectivity one.
type Unconfigured struct{}

func (Unconfigured) FindCustomersByEmail(context.Context, string) ([]domain.Customer, error) {
	return nil, xerrors.ErrBillingConfig
}

func (Unconfigured) CreateCustomer(context.Context, string, int64) (*domain.Customer, error) {
	return nil, xerrors.ErrBillingConfig
}

func (Unconfigured) ListSubscriptions(context.Context, string) ([]domain.Subscription, error) {
	return nil, xerrors.ErrBillingConfig
}

func (Unconfigured) CreateCheckoutSession(context.Context, domain.CheckoutSessionParams) (string, error) {
	return "", xerrors.ErrBillingConfig
}

func (Unconfigured) CreatePortalSession(context.Context, domain.PortalSessionParams) (string, error) {
	return "", xerrors.ErrPortalNotConfigured
}
