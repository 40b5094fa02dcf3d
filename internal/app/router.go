// internal/app/router.go
package app

import (
	"time"

	adminHandler "clientdesk-service/internal/handlers/admin"
	billingHandler "clientdesk-service/internal/handlers/billing"
	callHandler "clientdesk-service/internal/handlers/call"
	relationshipHandler "clientdesk-service/internal/handlers/relationship"
	wsHandler "clientdesk-service/internal/handlers/websocket"
	"clientdesk-service/internal/middleware"
	"clientdesk-service/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	BillingHandler      *billingHandler.BillingHandler
	RelationshipHandler *relationshipHandler.RelationshipHandler
	CallHandler         *callHandler.CallHandler
	WSHandler           *wsHandler.WebSocketHandler
	HealthHandler       *HealthHandler
	TokenHandler        *adminHandler.TokenHandler
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimiter         *ratelimit.RateLimiter
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", h.HealthHandler.Live)
	api.GET("/health/ready", h.HealthHandler.Ready)

	// ==================== Metrics ====================
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Billing ====================
	// The webhook is authenticated by its signature, not a bearer token.
	api.POST("/billing/webhook", h.BillingHandler.Webhook)

	billing := api.Group("/billing")
	billing.Use(h.AuthMiddleware.Auth(), h.AuthMiddleware.RequireProvider())
	{
		billing.GET("/entitlement", h.BillingHandler.GetEntitlement)
		billing.POST("/reconcile",
			middleware.RateLimit(h.RateLimiter, "billing_reconcile", 6, time.Minute, logger),
			h.BillingHandler.Reconcile)
		billing.POST("/checkout",
			middleware.RateLimit(h.RateLimiter, "billing_checkout", 10, time.Minute, logger),
			h.BillingHandler.Checkout)
		billing.POST("/portal",
			middleware.RateLimit(h.RateLimiter, "billing_portal", 10, time.Minute, logger),
			h.BillingHandler.Portal)
	}

	// ==================== Relationships ====================
	relationships := api.Group("/relationships")
	relationships.Use(h.AuthMiddleware.Auth())
	{
		// Providers or clients
		relationships.GET("/:id/access", h.RelationshipHandler.Access)

		providerOnly := relationships.Group("")
		providerOnly.Use(h.AuthMiddleware.RequireProvider())
		{
			providerOnly.GET("/admission", h.RelationshipHandler.Admission)
			providerOnly.POST("/access", h.RelationshipHandler.BulkAccess)
			providerOnly.POST("/:id/accept", h.RelationshipHandler.Accept)
		}
	}

	// ==================== Calls ====================
	calls := api.Group("/calls")
	calls.Use(h.AuthMiddleware.Auth())
	{
		calls.POST("", h.CallHandler.OpenCall)
		calls.GET("/:room_id", h.CallHandler.GetCall)
		calls.DELETE("/:room_id", h.CallHandler.EndCall)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		admin.GET("/ws/stats", h.WSHandler.GetStats)
		admin.POST("/tokens/revoke", h.TokenHandler.RevokeToken)
	}
}
