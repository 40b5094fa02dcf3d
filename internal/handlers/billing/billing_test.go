package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"clientdesk-service/internal/config"
	"clientdesk-service/internal/domain/account"
	"clientdesk-service/internal/domain/entitlement"
	"clientdesk-service/internal/middleware"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	accountID     int64 = 42
	webhookSecret       = "whsec_test"
)

type mockBilling struct {
	mock.Mock
}

func (m *mockBilling) Reconcile(ctx context.Context, id int64, opts entitlement.ReconcileOptions) (*entitlement.Snapshot, error) {
	args := m.Called(ctx, id, opts)
	snap, _ := args.Get(0).(*entitlement.Snapshot)
	return snap, args.Error(1)
}

func (m *mockBilling) StartUpgrade(ctx context.Context, id int64, tier entitlement.Tier) (*entitlement.CheckoutResult, error) {
	args := m.Called(ctx, id, tier)
	result, _ := args.Get(0).(*entitlement.CheckoutResult)
	return result, args.Error(1)
}

func (m *mockBilling) OpenPortal(ctx context.Context, id int64) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockBilling) CheckoutCompleted(ctx context.Context, id int64, customerRef string) (*entitlement.Snapshot, error) {
	args := m.Called(ctx, id, customerRef)
	snap, _ := args.Get(0).(*entitlement.Snapshot)
	return snap, args.Error(1)
}

func (m *mockBilling) SubscriptionChanged(ctx context.Context, customerRef string) (*entitlement.Snapshot, error) {
	args := m.Called(ctx, customerRef)
	snap, _ := args.Get(0).(*entitlement.Snapshot)
	return snap, args.Error(1)
}

func newRouter(m *mockBilling) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewBillingHandler(m, m, m, config.BillingConfig{
		WebhookSecret: webhookSecret,
		SetupURL:      "https://app.test/settings/billing",
	}, zap.NewNop())

	r := gin.New()
	r.POST("/webhook", h.Webhook)
	authed := r.Group("/", func(c *gin.Context) {
		middleware.SetAccount(c, &account.Account{ID: accountID, Kind: account.KindProvider})
	})
	authed.GET("/entitlement", h.GetEntitlement)
	authed.POST("/reconcile", h.Reconcile)
	authed.POST("/checkout", h.Checkout)
	authed.POST("/portal", h.Portal)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func do(t *testing.T, r http.Handler, req *http.Request) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestGetEntitlement(t *testing.T) {
	m := &mockBilling{}
	tier := entitlement.TierStarter
	end := time.Now().Add(24 * time.Hour)
	m.On("Reconcile", mock.Anything, accountID, entitlement.ReconcileOptions{}).Return(&entitlement.Snapshot{
		AccountID:  accountID,
		Subscribed: true,
		Tier:       &tier,
		PeriodEnd:  &end,
	}, nil)

	code, env := do(t, newRouter(m), httptest.NewRequest(http.MethodGet, "/entitlement", nil))
	require.Equal(t, http.StatusOK, code)

	var view struct {
		Tier  entitlement.Tier `json:"tier"`
		Limit int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, entitlement.TierStarter, view.Tier)
	assert.Equal(t, 20, view.Limit)
}

func TestReconcileForce(t *testing.T) {
	m := &mockBilling{}
	m.On("Reconcile", mock.Anything, accountID, entitlement.ReconcileOptions{Force: true}).
		Return(entitlement.Unsubscribed(accountID, nil, time.Now()), nil)

	code, _ := do(t, newRouter(m), httptest.NewRequest(http.MethodPost, "/reconcile?force=true", nil))
	assert.Equal(t, http.StatusOK, code)
	m.AssertExpectations(t)
}

func TestBillingErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      int
		wantError string
	}{
		{"provider unreachable", fmt.Errorf("list subscriptions: dial tcp 10.0.0.5:443: %w", xerrors.ErrBillingProvider), http.StatusBadGateway, xerrors.ErrBillingProvider.Error()},
		{"rejected credentials", xerrors.ErrUnauthorized, http.StatusUnauthorized, xerrors.ErrUnauthorized.Error()},
		{"price missing", xerrors.ErrPriceNotConfigured, http.StatusUnprocessableEntity, xerrors.ErrPriceNotConfigured.Error()},
		{"unexpected", fmt.Errorf("pgx: relation \"entitlements\" does not exist"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockBilling{}
			m.On("StartUpgrade", mock.Anything, accountID, entitlement.TierPro).Return(nil, tt.err)

			req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{"tier":"pro"}`))
			req.Header.Set("Content-Type", "application/json")
			code, env := do(t, newRouter(m), req)

			assert.Equal(t, tt.want, code)
			assert.False(t, env.Success)
			assert.Equal(t, tt.wantError, env.Error)
		})
	}
}

func TestCheckoutConfigErrorCarriesSetupURL(t *testing.T) {
	m := &mockBilling{}
	m.On("OpenPortal", mock.Anything, accountID).Return("", xerrors.ErrPortalNotConfigured)

	code, env := do(t, newRouter(m), httptest.NewRequest(http.MethodPost, "/portal", nil))
	require.Equal(t, http.StatusUnprocessableEntity, code)

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "https://app.test/settings/billing", data["setup_url"])
}

func TestCheckoutRejectsUnknownTier(t *testing.T) {
	m := &mockBilling{}
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{"tier":"free"}`))
	req.Header.Set("Content-Type", "application/json")

	code, _ := do(t, newRouter(m), req)
	assert.Equal(t, http.StatusBadRequest, code)
	m.AssertNotCalled(t, "StartUpgrade", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckoutReturnsRedirect(t *testing.T) {
	m := &mockBilling{}
	m.On("StartUpgrade", mock.Anything, accountID, entitlement.TierStarter).
		Return(&entitlement.CheckoutResult{RedirectURL: "https://checkout.test/s", IsNewCheckout: true}, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{"tier":"starter"}`))
	req.Header.Set("Content-Type", "application/json")
	code, env := do(t, newRouter(m), req)
	require.Equal(t, http.StatusOK, code)

	var result entitlement.CheckoutResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "https://checkout.test/s", result.RedirectURL)
	assert.True(t, result.IsNewCheckout)
}

func signedWebhook(t *testing.T, secret string, event map[string]interface{}) *http.Request {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t="+ts+",v1="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func checkoutEvent(object map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":     "evt_1",
		"object": "event",
		"type":   "checkout.session.completed",
		"data":   map[string]interface{}{"object": object},
	}
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	m := &mockBilling{}
	m.On("CheckoutCompleted", mock.Anything, accountID, "cus_1").
		Return(entitlement.Unsubscribed(accountID, nil, time.Now()), nil)

	req := signedWebhook(t, webhookSecret, checkoutEvent(map[string]interface{}{
		"id":       "cs_1",
		"object":   "checkout.session",
		"customer": "cus_1",
		"metadata": map[string]string{"account_id": "42", "tier": "pro"},
	}))
	code, _ := do(t, newRouter(m), req)

	assert.Equal(t, http.StatusOK, code)
	m.AssertExpectations(t)
}

func TestWebhookFallsBackToClientReference(t *testing.T) {
	m := &mockBilling{}
	m.On("CheckoutCompleted", mock.Anything, accountID, "cus_1").
		Return(entitlement.Unsubscribed(accountID, nil, time.Now()), nil)

	req := signedWebhook(t, webhookSecret, checkoutEvent(map[string]interface{}{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"customer":            "cus_1",
		"client_reference_id": "42",
	}))
	code, _ := do(t, newRouter(m), req)

	assert.Equal(t, http.StatusOK, code)
	m.AssertExpectations(t)
}

func TestWebhookAcknowledgesSessionWithoutAccount(t *testing.T) {
	m := &mockBilling{}
	req := signedWebhook(t, webhookSecret, checkoutEvent(map[string]interface{}{
		"id":       "cs_1",
		"object":   "checkout.session",
		"customer": "cus_1",
	}))

	code, _ := do(t, newRouter(m), req)
	assert.Equal(t, http.StatusOK, code)
	m.AssertNotCalled(t, "CheckoutCompleted", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookSubscriptionUpdated(t *testing.T) {
	m := &mockBilling{}
	m.On("SubscriptionChanged", mock.Anything, "cus_1").Return(nil, fmt.Errorf("reconcile: %w", xerrors.ErrBillingProvider))

	req := signedWebhook(t, webhookSecret, map[string]interface{}{
		"id":     "evt_2",
		"object": "event",
		"type":   "customer.subscription.updated",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":       "sub_1",
			"object":   "subscription",
			"customer": "cus_1",
		}},
	})
	code, _ := do(t, newRouter(m), req)

	// Provider failures ask for redelivery.
	assert.Equal(t, http.StatusBadGateway, code)
	m.AssertExpectations(t)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	m := &mockBilling{}
	req := signedWebhook(t, "whsec_other", checkoutEvent(map[string]interface{}{
		"id":       "cs_1",
		"object":   "checkout.session",
		"metadata": map[string]string{"account_id": "42"},
	}))

	code, _ := do(t, newRouter(m), req)
	assert.Equal(t, http.StatusBadRequest, code)

	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(`{}`))
	code, _ = do(t, newRouter(m), req)
	assert.Equal(t, http.StatusBadRequest, code)
	m.AssertNotCalled(t, "CheckoutCompleted", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	m := &mockBilling{}
	req := signedWebhook(t, webhookSecret, map[string]interface{}{
		"id":     "evt_3",
		"object": "event",
		"type":   "invoice.paid",
		"data":   map[string]interface{}{"object": map[string]interface{}{"id": "in_1"}},
	})

	code, _ := do(t, newRouter(m), req)
	assert.Equal(t, http.StatusOK, code)
}
