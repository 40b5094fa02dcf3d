package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clientdesk-service/internal/app"
	"clientdesk-service/internal/config"
	"clientdesk-service/internal/db"
	"clientdesk-service/internal/domain/entitlement"
	"clientdesk-service/internal/pkg/jwt"
	"clientdesk-service/internal/repository/postgres"
	redisrepo "clientdesk-service/internal/repository/redis"
	entitlementsvc "clientdesk-service/internal/service/entitlement"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "Operator tools for clientdesk billing and entitlements",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <account_id>...",
	Short: "Reconcile accounts against the billing provider",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReconcile,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile one batch of stale entitlements",
	RunE:  runSweep,
}

var tokenCmd = &cobra.Command{
	Use:   "token <identity_id>",
	Short: "Sign an access token for local testing (needs JWT_PRIVATE_KEY_PATH)",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var (
	forceReconcile bool
	tokenRoles     []string
)

func init() {
	reconcileCmd.Flags().BoolVar(&forceReconcile, "force", true, "skip the minimum reconcile interval")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", []string{"provider"}, "roles to put in the token")

	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type engine struct {
	reconciler *entitlementsvc.Reconciler
	sweeper    *entitlementsvc.Sweeper
	close      func()
}

// newEngine builds the reconciliation path the API server uses, so cache
// entries are invalidated on every write.
func newEngine(ctx context.Context, logger *zap.Logger) (*engine, error) {
	cfg := config.Load()

	pool, err := db.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	redisClient, err := db.NewRedisClient(db.RedisConfig{Address: cfg.RedisAddr, Password: cfg.RedisPass, PoolSize: 2})
	if err != nil {
		pool.Close()
		return nil, err
	}

	accountRepo := postgres.NewAccountRepository(pool)
	entitlementRepo := postgres.NewEntitlementRepository(pool)
	store := redisrepo.NewCachedEntitlementStore(entitlementRepo, redisClient, cfg.EntitlementCacheTTL, logger)

	reconciler := entitlementsvc.NewReconciler(store, accountRepo, app.NewBillingProvider(cfg.Billing, logger), cfg.Billing, cfg.Reconcile.MinInterval, logger)
	return &engine{
		reconciler: reconciler,
		sweeper:    entitlementsvc.NewSweeper(entitlementRepo, reconciler, cfg.Reconcile.SweepStaleAfter, cfg.Reconcile.SweepBatchSize, logger),
		close: func() {
			redisClient.Close()
			pool.Close()
		},
	}, nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", arg)
		}
		ids = append(ids, id)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	e, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer e.close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	failed := 0
	for _, id := range ids {
		snap, err := e.reconciler.Reconcile(ctx, id, entitlement.ReconcileOptions{Force: forceReconcile})
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "account %d: %v\n", id, err)
			continue
		}
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reconciliations failed", failed, len(ids))
	}
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	e, err := newEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := e.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "checked %d, failed %d\n", result.Checked, result.Failed)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	identityID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid identity id %q", args[0])
	}

	cfg := config.Load()
	if strings.TrimSpace(cfg.JWT.PrivPath) == "" {
		return fmt.Errorf("JWT_PRIVATE_KEY_PATH is not set")
	}
	manager, err := jwt.LoadAndBuild(cfg.JWT)
	if err != nil {
		return err
	}

	token, _, err := manager.Generator.GenerateAccessToken(identityID, tokenRoles)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
