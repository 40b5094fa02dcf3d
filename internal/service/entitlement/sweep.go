// internal/service/entitlement/sweep.go
package entitlement

import (
	"context"
	"fmt"
	"time"

	"clientdesk-service/internal/domain/entitlement"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically re-reconciles stale snapshots, catching billing changes
// whose webhooks were missed.
type Sweeper struct {
	lister     StaleLister
	reconciler *Reconciler
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	logger     *zap.Logger

	cron *cron.Cron
}

func NewSweeper(lister StaleLister, reconciler *Reconciler, staleAfter time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		lister:     lister,
		reconciler: reconciler,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
		logger:     logger,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked int
	Failed  int
}

// SweepOnce reconciles one batch of stale accounts. A failing account is
// deferred for one staleness period so it cannot hold the head of the queue.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	now := s.now()
	ids, err := s.lister.ListStale(ctx, now.Add(-s.staleAfter), now, s.batchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale entitlements: %w", err)
	}

	var result SweepResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++
		if _, err := s.reconciler.Reconcile(ctx, id, entitlement.ReconcileOptions{Force: true}); err != nil {
			result.Failed++
			s.logger.Warn("sweep reconciliation failed", zap.Int64("account_id", id), zap.Error(err))
			if err := s.lister.DeferSweep(ctx, id, now.Add(s.staleAfter)); err != nil {
				s.logger.Error("failed to defer sweep", zap.Int64("account_id", id), zap.Error(err))
			}
		}
	}

	s.logger.Info("entitlement sweep finished",
		zap.Int("checked", result.Checked),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Start schedules SweepOnce on a cron spec such as "@every 15m".
func (s *Sweeper) Start(spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("entitlement sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
