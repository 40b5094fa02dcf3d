package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clientdesk-service/internal/domain/account"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAccounts map[int64]*account.Account

func (s stubAccounts) Resolve(_ context.Context, id int64) (*account.Account, error) {
	if acc, ok := s[id]; ok {
		return acc, nil
	}
	return nil, xerrors.ErrNotFound
}

type stubRevocations struct {
	revoked map[string]bool
	err     error
}

func (s *stubRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	return s.revoked[jti], s.err
}

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubLimiter) Allow(context.Context, int64, string, int64, time.Duration) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

type authFixture struct {
	gen         *jwt.Generator
	revocations *stubRevocations
	router      *gin.Engine
}

func newAuthFixture(t *testing.T, limiter *stubLimiter) *authFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	revocations := &stubRevocations{revoked: map[string]bool{}}
	accounts := stubAccounts{
		7:  {ID: 7, Kind: account.KindProvider},
		99: {ID: 99, Kind: account.KindClient},
	}
	m := NewAuthMiddleware(jwt.NewVerifier(&key.PublicKey, "iss", "aud"), accounts, revocations, zap.NewNop())

	r := gin.New()
	ok := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"identity_id": MustGetIdentityID(c), "kind": GetAccount(c).Kind})
	}
	r.GET("/me", m.Auth(), ok)
	r.GET("/provider", m.Auth(), m.RequireProvider(), ok)
	r.GET("/admin", append(m.AdminOnly(), ok)...)
	if limiter != nil {
		r.GET("/limited", m.Auth(), RateLimit(limiter, "test", 1, time.Minute, zap.NewNop()), ok)
	}

	return &authFixture{
		gen:         jwt.NewGenerator(key, "iss", "aud", "kid", time.Hour),
		revocations: revocations,
		router:      r,
	}
}

func (f *authFixture) token(t *testing.T, identityID int64, roles ...string) (string, string) {
	t.Helper()
	token, jti, err := f.gen.GenerateAccessToken(identityID, roles)
	require.NoError(t, err)
	return token, jti
}

func (f *authFixture) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAuthResolvesAccount(t *testing.T) {
	f := newAuthFixture(t, nil)
	token, _ := f.token(t, 7)

	w := f.get("/me", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"identity_id":7,"kind":"provider"}`, w.Body.String())
}

func TestAuthRejects(t *testing.T) {
	f := newAuthFixture(t, nil)
	unknown, _ := f.token(t, 5)

	assert.Equal(t, http.StatusUnauthorized, f.get("/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get("/me", "garbage").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get("/me", unknown).Code)
}

func TestAuthRefusesRevokedTokens(t *testing.T) {
	f := newAuthFixture(t, nil)
	token, jti := f.token(t, 7)
	f.revocations.revoked[jti] = true

	assert.Equal(t, http.StatusUnauthorized, f.get("/me", token).Code)

	f.revocations.revoked = map[string]bool{}
	f.revocations.err = errors.New("redis down")
	assert.Equal(t, http.StatusServiceUnavailable, f.get("/me", token).Code)
}

func TestRequireProviderAndAdmin(t *testing.T) {
	f := newAuthFixture(t, nil)
	client, _ := f.token(t, 99)
	provider, _ := f.token(t, 7)
	admin, _ := f.token(t, 7, "admin")

	assert.Equal(t, http.StatusForbidden, f.get("/provider", client).Code)
	assert.Equal(t, http.StatusOK, f.get("/provider", provider).Code)
	assert.Equal(t, http.StatusForbidden, f.get("/admin", provider).Code)
	assert.Equal(t, http.StatusOK, f.get("/admin", admin).Code)
}

func TestRateLimit(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	f := newAuthFixture(t, limiter)
	token, _ := f.token(t, 7)

	w := f.get("/limited", token)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// A broken limiter lets requests through.
	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, f.get("/limited", token).Code)
	assert.Equal(t, 2, limiter.calls)
}
