// internal/middleware/ratelimit_middleware.go
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type rateLimiter interface {
	Allow(ctx context.Context, identityID int64, endpoint string, maxRequests int64, window time.Duration) (bool, error)
}

// RateLimit caps authenticated calls to endpoint per identity. When the
// limiter itself fails the request is let through.
// MUST be used after Auth() middleware
func RateLimit(limiter rateLimiter, endpoint string, maxRequests int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identityID, ok := GetIdentityID(c)
		if !ok {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), identityID, endpoint, maxRequests, window)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			response.Error(c, http.StatusTooManyRequests, "too many requests, try again later", xerrors.ErrRateLimited)
			return
		}

		c.Next()
	}
}
