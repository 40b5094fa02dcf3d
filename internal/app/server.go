// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clientdesk-service/internal/config"
	"clientdesk-service/internal/db"
	adminHandler "clientdesk-service/internal/handlers/admin"
	billingHandler "clientdesk-service/internal/handlers/billing"
	callHandler "clientdesk-service/internal/handlers/call"
	relationshipHandler "clientdesk-service/internal/handlers/relationship"
	wsHandler "clientdesk-service/internal/handlers/websocket"
	"clientdesk-service/internal/middleware"
	"clientdesk-service/internal/pkg/jwt"
	"clientdesk-service/internal/pkg/ratelimit"
	"clientdesk-service/internal/pkg/session"
	"clientdesk-service/internal/repository/postgres"
	redisrepo "clientdesk-service/internal/repository/redis"
	"clientdesk-service/internal/service/billing"
	entitlementsvc "clientdesk-service/internal/service/entitlement"
	"clientdesk-service/internal/websocket"
	wsHandlers "clientdesk-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// NewBillingProvider returns the Stripe provider, or a provider that reports
// a configuration error on every call when no key is set.
func NewBillingProvider(cfg config.BillingConfig, logger *zap.Logger) billing.Provider {
	if !cfg.BillingEnabled() {
		logger.Warn("STRIPE_SECRET_KEY not set, billing is disabled")
		return billing.Unconfigured{}
	}
	return billing.NewStripeProvider(cfg.StripeSecretKey)
}

// Start wires every dependency and serves until ctx is cancelled, then
// drains HTTP connections, websocket clients and the sweep scheduler.
func (s *Server) Start(ctx context.Context) error {
	logger := s.logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Address:  s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
		DB:       0,
		PoolSize: 10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// ----- JWT -----
	jwtManager, err := jwt.LoadAndBuild(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT manager: %w", err)
	}

	// ----- Repositories -----
	accountRepo := postgres.NewAccountRepository(pool)
	relationshipRepo := postgres.NewRelationshipRepository(pool)
	entitlementRepo := postgres.NewEntitlementRepository(pool)
	entitlementStore := redisrepo.NewCachedEntitlementStore(entitlementRepo, redisClient, s.cfg.EntitlementCacheTTL, logger)

	// ----- Services -----
	provider := NewBillingProvider(s.cfg.Billing, logger)
	reconciler := entitlementsvc.NewReconciler(entitlementStore, accountRepo, provider, s.cfg.Billing, s.cfg.Reconcile.MinInterval, logger)
	gate := entitlementsvc.NewGate(entitlementStore, accountRepo, relationshipRepo, logger)
	checkout := entitlementsvc.NewCheckout(entitlementStore, accountRepo, provider, s.cfg.Billing, logger)
	webhooks := entitlementsvc.NewWebhookProcessor(entitlementStore, reconciler, logger)

	sweeper := entitlementsvc.NewSweeper(entitlementRepo, reconciler, s.cfg.Reconcile.SweepStaleAfter, s.cfg.Reconcile.SweepBatchSize, logger)
	if s.cfg.Reconcile.SweepSchedule != "" && s.cfg.Billing.BillingEnabled() {
		if err := sweeper.Start(s.cfg.Reconcile.SweepSchedule); err != nil {
			return fmt.Errorf("failed to start entitlement sweep: %w", err)
		}
		defer sweeper.Stop()
	}

	// ----- WebSocket Hub -----
	hub := websocket.NewHub(jwtManager.Verifier, s.cfg.Calls, logger)
	hub.RegisterHandler(wsHandlers.NewCallHandler(hub, logger))

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	revocations := session.NewRevocationList(redisClient)

	// ----- Handlers -----
	handlers := &Handlers{
		BillingHandler:      billingHandler.NewBillingHandler(reconciler, checkout, webhooks, s.cfg.Billing, logger),
		RelationshipHandler: relationshipHandler.NewRelationshipHandler(gate, relationshipRepo, logger),
		CallHandler:         callHandler.NewCallHandler(hub, relationshipRepo, gate, logger),
		WSHandler:           wsHandler.NewWebSocketHandler(hub, s.cfg.CORSOrigins, logger).WithRevocations(revocations),
		HealthHandler:       NewHealthHandler(pool, redisClient),
		AuthMiddleware:      middleware.NewAuthMiddleware(jwtManager.Verifier, accountRepo, revocations, logger),
		RateLimiter:         ratelimit.NewRateLimiter(redisClient),
		TokenHandler:        adminHandler.NewTokenHandler(revocations, hub, logger),
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(s.cfg.CORSOrigins),
	)

	// ----- Router -----
	SetupRouter(s.engine, logger, handlers)

	// ----- Start HTTP -----
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr), zap.String("env", s.cfg.AppEnv))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
