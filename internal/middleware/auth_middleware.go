// internal/middleware/auth_middleware.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clientdesk-service/internal/domain/account"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/jwt"
	"clientdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type accountResolver interface {
	Resolve(ctx context.Context, accountID int64) (*account.Account, error)
}

type revocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type AuthMiddleware struct {
	verifier    *jwt.Verifier
	accounts    accountResolver
	revocations revocationChecker
	logger      *zap.Logger
}

// NewAuthMiddleware builds the middleware; revocations may be nil.
func NewAuthMiddleware(verifier *jwt.Verifier, accounts accountResolver, revocations revocationChecker, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:    verifier,
		accounts:    accounts,
		revocations: revocations,
		logger:      logger,
	}
}

// Auth validates the access token and resolves the caller's account variant
// once for the rest of the request.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Unauthorized(c, "missing authorization token")
			return
		}

		claims, err := m.verifier.VerifyAccessToken(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}

		if m.revocations != nil {
			revoked, err := m.revocations.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				m.logger.Error("failed to check token revocation", zap.String("jti", claims.ID), zap.Error(err))
				response.Error(c, http.StatusServiceUnavailable, "unable to verify session", nil)
				return
			}
			if revoked {
				response.Unauthorized(c, "token has been revoked")
				return
			}
		}

		acc, err := m.accounts.Resolve(c.Request.Context(), claims.IdentityID)
		if errors.Is(err, xerrors.ErrNotFound) {
			response.Unauthorized(c, "account not found")
			return
		}
		if err != nil {
			m.logger.Error("failed to resolve account", zap.Int64("identity_id", claims.IdentityID), zap.Error(err))
			response.InternalError(c, "failed to resolve account")
			return
		}

		// Set user context
		c.Set(ctxIdentityID, claims.IdentityID)
		c.Set(ctxJTI, claims.ID)
		c.Set(ctxRoles, claims.Roles)
		c.Set(ctxAccount, acc)

		c.Next()
	}
}

// RequireProvider rejects callers without a provider profile.
// MUST be used after Auth() middleware
func (m *AuthMiddleware) RequireProvider() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetAccount(c).IsProvider() {
			response.Forbidden(c, "provider account required")
			return
		}
		c.Next()
	}
}

// RequireRole middleware that requires user to have at least one of the specified roles
// MUST be used after Auth() middleware
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRoles := GetRoles(c)

		for _, userRole := range userRoles {
			for _, requiredRole := range roles {
				if userRole == requiredRole {
					c.Next()
					return
				}
			}
		}

		err := errors.New("user does not have required role")
		response.Error(c, http.StatusForbidden, "insufficient permissions", err, map[string]interface{}{
			"required_roles": roles,
			"user_roles":     userRoles,
		})
	}
}

// AdminOnly returns middlewares for admin-only routes (Auth + RequireRole)
func (m *AuthMiddleware) AdminOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole("admin", "super_admin"),
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}
