// internal/service/entitlement/gate.go
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"
	"clientdesk-service/internal/pkg/metrics"

	"go.uber.org/zap"
)

// Gate decides whether a provider may take on or keep interacting with
// relationships under its current tier. Clients and unregistered accounts
// are never gated. Evaluation errors fail open.
type Gate struct {
	store         Store
	accounts      AccountResolver
	relationships RelationshipCounter
	logger        *zap.Logger
}

func NewGate(store Store, accounts AccountResolver, relationships RelationshipCounter, logger *zap.Logger) *Gate {
	return &Gate{
		store:         store,
		accounts:      accounts,
		relationships: relationships,
		logger:        logger,
	}
}

// CanAcceptNewRelationship reports whether the provider's accepted relationship
// count is still below its tier limit.
func (g *Gate) CanAcceptNewRelationship(ctx context.Context, providerAccountID int64) bool {
	limit, gated, err := g.limitFor(ctx, providerAccountID)
	if err != nil {
		return g.failOpen("accept", providerAccountID, err)
	}
	if !gated || limit == entitlement.Unlimited {
		return true
	}

	count, err := g.relationships.CountActiveRelationships(ctx, providerAccountID)
	if err != nil {
		return g.failOpen("accept", providerAccountID, err)
	}
	return count < limit
}

// CanInteractWithRelationship reports whether the relationship's creation-order
// rank falls within the provider's current limit. Relationships past the limit
// stay stored and come back into reach on upgrade.
func (g *Gate) CanInteractWithRelationship(ctx context.Context, providerAccountID, relationshipID int64) bool {
	limit, gated, err := g.limitFor(ctx, providerAccountID)
	if err != nil {
		return g.failOpen("interact", providerAccountID, err)
	}
	if !gated || limit == entitlement.Unlimited {
		return true
	}

	rank, err := g.relationships.RankOfRelationship(ctx, providerAccountID, relationshipID)
	if errors.Is(err, xerrors.ErrNotFound) {
		// Not an accepted relationship of this provider: nothing to interact with.
		return false
	}
	if err != nil {
		return g.failOpen("interact", providerAccountID, err)
	}
	return rank <= limit
}

// AccessibleRelationships evaluates CanInteractWithRelationship for many
// relationships with a single ranking query.
func (g *Gate) AccessibleRelationships(ctx context.Context, providerAccountID int64, relationshipIDs []int64) map[int64]bool {
	access := make(map[int64]bool, len(relationshipIDs))
	allow := func(v bool) map[int64]bool {
		for _, id := range relationshipIDs {
			access[id] = v
		}
		return access
	}

	limit, gated, err := g.limitFor(ctx, providerAccountID)
	if err != nil {
		g.failOpen("interact_bulk", providerAccountID, err)
		return allow(true)
	}
	if !gated || limit == entitlement.Unlimited {
		return allow(true)
	}

	ranks, err := g.relationships.RanksOfRelationships(ctx, providerAccountID, relationshipIDs)
	if err != nil {
		g.failOpen("interact_bulk", providerAccountID, err)
		return allow(true)
	}
	for _, id := range relationshipIDs {
		rank, ok := ranks[id]
		access[id] = ok && rank <= limit
	}
	return access
}

// Limit returns the provider's relationship limit and effective tier, for display.
func (g *Gate) Limit(ctx context.Context, providerAccountID int64) (int, entitlement.Tier, error) {
	snap, err := g.snapshot(ctx, providerAccountID)
	if err != nil {
		return 0, "", err
	}
	return snap.RelationshipLimit(), snap.EffectiveTier(), nil
}

// limitFor returns the account's relationship limit and whether it is gated at all.
func (g *Gate) limitFor(ctx context.Context, accountID int64) (int, bool, error) {
	acc, err := g.accounts.Resolve(ctx, accountID)
	if err != nil {
		return 0, false, fmt.Errorf("resolve account: %w", err)
	}
	if !acc.IsProvider() {
		return 0, false, nil
	}

	snap, err := g.snapshot(ctx, accountID)
	if err != nil {
		return 0, false, err
	}
	return snap.RelationshipLimit(), true, nil
}

// snapshot loads the stored snapshot; accounts never reconciled are on the free tier.
func (g *Gate) snapshot(ctx context.Context, accountID int64) (*entitlement.Snapshot, error) {
	snap, err := g.store.Get(ctx, accountID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	return snap, nil
}

func (g *Gate) failOpen(check string, accountID int64, err error) bool {
	metrics.GateFailOpenTotal.WithLabelValues(check).Inc()
	g.logger.Error("entitlement check failed, allowing",
		zap.String("check", check),
		zap.Int64("account_id", accountID),
		zap.Error(err))
	return true
}
