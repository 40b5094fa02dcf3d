package entitlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	domain "clientdesk-service/internal/domain/billing"
	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCheckout(store *memStore, provider *mockProvider) *Checkout {
	accounts := fakeAccounts{providerID: providerAccount(providerID, "pat@example.com")}
	return NewCheckout(store, accounts, provider, testBillingConfig(), zap.NewNop())
}

func storeWithCustomer(ref string) *memStore {
	store := newMemStore()
	store.put(entitlement.Unsubscribed(providerID, &ref, time.Now()))
	return store
}

func TestUpgradeWhileSubscribedOpensPortal(t *testing.T) {
	provider := &mockProvider{}
	provider.On("ListSubscriptions", mock.Anything, "cus_1").Return([]domain.Subscription{
		{ID: "sub_1", Status: domain.StatusActive, PriceID: priceStarter, Created: time.Now()},
	}, nil)
	provider.On("CreatePortalSession", mock.Anything, domain.PortalSessionParams{
		CustomerRef: "cus_1",
		ReturnURL:   "https://app.test/billing",
	}).Return("https://billing.test/portal", nil)

	result, err := newTestCheckout(storeWithCustomer("cus_1"), provider).StartUpgrade(context.Background(), providerID, entitlement.TierPro)
	require.NoError(t, err)
	assert.Equal(t, "https://billing.test/portal", result.RedirectURL)
	assert.False(t, result.IsNewCheckout)
	provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestUpgradeManagedStatuses(t *testing.T) {
	tests := []struct {
		status     domain.SubscriptionStatus
		priceID    string
		wantPortal bool
	}{
		{status: domain.StatusActive, priceID: priceStarterLegacy, wantPortal: true},
		{status: domain.StatusTrialing, priceID: pricePro, wantPortal: true},
		{status: domain.StatusPastDue, priceID: priceStarter, wantPortal: true},
		{status: domain.StatusUnpaid, priceID: priceStarter, wantPortal: true},
		{status: domain.StatusIncomplete, priceID: priceStarter, wantPortal: true},
		{status: domain.StatusCanceled, priceID: priceStarter, wantPortal: false},
		{status: domain.StatusIncompleteExpired, priceID: priceStarter, wantPortal: false},
		{status: domain.StatusActive, priceID: "price_other_product", wantPortal: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s on %s", tt.status, tt.priceID), func(t *testing.T) {
			provider := &mockProvider{}
			provider.On("ListSubscriptions", mock.Anything, "cus_1").Return([]domain.Subscription{
				{ID: "sub_1", Status: tt.status, PriceID: tt.priceID, Created: time.Now()},
			}, nil)
			provider.On("CreatePortalSession", mock.Anything, mock.Anything).Return("portal-url", nil).Maybe()
			provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return("checkout-url", nil).Maybe()

			result, err := newTestCheckout(storeWithCustomer("cus_1"), provider).StartUpgrade(context.Background(), providerID, entitlement.TierStarter)
			require.NoError(t, err)
			assert.Equal(t, !tt.wantPortal, result.IsNewCheckout)
			if tt.wantPortal {
				assert.Equal(t, "portal-url", result.RedirectURL)
			} else {
				assert.Equal(t, "checkout-url", result.RedirectURL)
			}
		})
	}
}

func TestUpgradeCreatesCustomerAndCheckout(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{}
	provider.On("FindCustomersByEmail", mock.Anything, "pat@example.com").Return([]domain.Customer{}, nil)
	provider.On("CreateCustomer", mock.Anything, "pat@example.com", providerID).
		Return(&domain.Customer{ID: "cus_new", Email: "pat@example.com"}, nil)
	provider.On("ListSubscriptions", mock.Anything, "cus_new").Return([]domain.Subscription{}, nil)
	provider.On("CreateCheckoutSession", mock.Anything, domain.CheckoutSessionParams{
		CustomerRef: "cus_new",
		PriceID:     pricePro,
		SuccessURL:  "https://app.test/success",
		CancelURL:   "https://app.test/cancel",
		Metadata: map[string]string{
			domain.MetadataAccountID: "7",
			domain.MetadataTier:      "pro",
		},
	}).Return("https://checkout.test/session", nil)

	result, err := newTestCheckout(store, provider).StartUpgrade(context.Background(), providerID, entitlement.TierPro)
	require.NoError(t, err)
	assert.True(t, result.IsNewCheckout)
	assert.Equal(t, "https://checkout.test/session", result.RedirectURL)

	stored, err := store.Get(context.Background(), providerID)
	require.NoError(t, err)
	require.NotNil(t, stored.BillingCustomerRef)
	assert.Equal(t, "cus_new", *stored.BillingCustomerRef)
	assert.False(t, stored.Subscribed)
	provider.AssertExpectations(t)
}

func TestUpgradeConvergesOnStoredCustomer(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{}
	provider.On("FindCustomersByEmail", mock.Anything, "pat@example.com").Return([]domain.Customer{}, nil)
	provider.On("CreateCustomer", mock.Anything, "pat@example.com", providerID).
		Run(func(args mock.Arguments) {
			// A concurrent request stored its customer first.
			_, _ = store.ClaimBillingCustomerRef(context.Background(), providerID, "cus_first")
		}).
		Return(&domain.Customer{ID: "cus_second"}, nil)
	provider.On("ListSubscriptions", mock.Anything, "cus_first").Return([]domain.Subscription{}, nil)
	provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p domain.CheckoutSessionParams) bool {
		return p.CustomerRef == "cus_first"
	})).Return("https://checkout.test/session", nil)

	_, err := newTestCheckout(store, provider).StartUpgrade(context.Background(), providerID, entitlement.TierStarter)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), providerID)
	require.NoError(t, err)
	assert.Equal(t, "cus_first", *stored.BillingCustomerRef)
	provider.AssertExpectations(t)
}

func TestUpgradeConfigurationErrors(t *testing.T) {
	t.Run("missing price for tier", func(t *testing.T) {
		provider := &mockProvider{}
		checkout := newTestCheckout(storeWithCustomer("cus_1"), provider)
		delete(checkout.cfg.TierPrices, entitlement.TierPro)

		_, err := checkout.StartUpgrade(context.Background(), providerID, entitlement.TierPro)
		require.Error(t, err)
		assert.ErrorIs(t, err, xerrors.ErrPriceNotConfigured)
		assert.True(t, xerrors.IsBillingConfig(err))
		assert.False(t, xerrors.Is(err, xerrors.ErrBillingProvider))
		provider.AssertExpectations(t)
	})

	t.Run("portal not configured", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("ListSubscriptions", mock.Anything, "cus_1").Return([]domain.Subscription{
			{ID: "sub_1", Status: domain.StatusActive, PriceID: priceStarter},
		}, nil)
		provider.On("CreatePortalSession", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("create portal session: %w", xerrors.ErrPortalNotConfigured))

		_, err := newTestCheckout(storeWithCustomer("cus_1"), provider).StartUpgrade(context.Background(), providerID, entitlement.TierPro)
		require.Error(t, err)
		assert.ErrorIs(t, err, xerrors.ErrPortalNotConfigured)
		assert.True(t, xerrors.IsBillingConfig(err))
	})

	t.Run("free tier cannot be bought", func(t *testing.T) {
		_, err := newTestCheckout(newMemStore(), &mockProvider{}).StartUpgrade(context.Background(), providerID, entitlement.TierFree)
		assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	})
}

func TestUpgradeProviderFailure(t *testing.T) {
	provider := &mockProvider{}
	provider.On("ListSubscriptions", mock.Anything, "cus_1").
		Return(nil, fmt.Errorf("list subscriptions: %w", xerrors.ErrBillingProvider))

	_, err := newTestCheckout(storeWithCustomer("cus_1"), provider).StartUpgrade(context.Background(), providerID, entitlement.TierPro)
	assert.ErrorIs(t, err, xerrors.ErrBillingProvider)
	assert.False(t, xerrors.IsBillingConfig(err))
}

func TestOpenPortal(t *testing.T) {
	provider := &mockProvider{}
	provider.On("CreatePortalSession", mock.Anything, domain.PortalSessionParams{
		CustomerRef: "cus_1",
		ReturnURL:   "https://app.test/billing",
	}).Return("https://billing.test/portal", nil)

	url, err := newTestCheckout(storeWithCustomer("cus_1"), provider).OpenPortal(context.Background(), providerID)
	require.NoError(t, err)
	assert.Equal(t, "https://billing.test/portal", url)
}
