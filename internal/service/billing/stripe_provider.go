// internal/service/billing/stripe_provider.go
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "clientdesk-service/internal/domain/billing"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	api *client.API
}

func NewStripeProvider(secretKey string) *StripeProvider {
	return &StripeProvider{api: client.New(secretKey, nil)}
}

func (p *StripeProvider) FindCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var customers []domain.Customer
	it := p.api.Customers.List(params)
	for it.Next() {
		c := it.Customer()
		customers = append(customers, domain.Customer{ID: c.ID, Email: c.Email})
	}
	if err := it.Err(); err != nil {
		return nil, classifyStripeError("list customers", err)
	}
	return customers, nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email string, accountID int64) (*domain.Customer, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata(domain.MetadataAccountID, strconv.FormatInt(accountID, 10))
	// Concurrent creations for the same account collapse into one customer on Stripe's side.
	params.SetIdempotencyKey(fmt.Sprintf("customer-create-%d", accountID))

	c, err := p.api.Customers.New(params)
	if err != nil {
		return nil, classifyStripeError("create customer", err)
	}
	return &domain.Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerRef string) ([]domain.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: customerRef,
		Status:   "all",
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var subs []domain.Subscription
	it := p.api.Subscriptions.List(params)
	for it.Next() {
		subs = append(subs, toDomainSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, classifyStripeError("list subscriptions", err)
	}
	return subs, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in domain.CheckoutSessionParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(in.CustomerRef),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if accountID, ok := in.Metadata[domain.MetadataAccountID]; ok {
		params.ClientReferenceID = stripe.String(accountID)
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", classifyStripeError("create checkout session", err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, in domain.PortalSessionParams) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(in.CustomerRef),
		ReturnURL: stripe.String(in.ReturnURL),
	}
	params.Context = ctx

	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		if isPortalNotConfigured(err) {
			return "", fmt.Errorf("create portal session: %w", xerrors.ErrPortalNotConfigured)
		}
		return "", classifyStripeError("create portal session", err)
	}
	return sess.URL, nil
}

func toDomainSubscription(s *stripe.Subscription) domain.Subscription {
	out := domain.Subscription{
		ID:                s.ID,
		Status:            domain.SubscriptionStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CurrentPeriodEnd:  time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		Created:           time.Unix(s.Created, 0).UTC(),
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		price := s.Items.Data[0].Price
		out.PriceID = price.ID
		amount := price.UnitAmount
		out.UnitAmount = &amount
	}
	return out
}

// classifyStripeError separates setup problems (bad API key, missing
// resources in the account) from transient provider failures.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %s", op, xerrors.ErrBillingConfig, stripeErr.Msg)
		}
		return fmt.Errorf("%s: %w: %s", op, xerrors.ErrBillingProvider, stripeErr.Msg)
	}
	return fmt.Errorf("%s: %w: %v", op, xerrors.ErrBillingProvider, err)
}

func isPortalNotConfigured(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(stripeErr.Msg), "configuration")
}
