// internal/service/entitlement/deps.go
package entitlement

import (
	"context"
	"time"

	"clientdesk-service/internal/domain/account"
	"clientdesk-service/internal/domain/entitlement"
)

// Store is the entitlement persistence the services write through. It is
// satisfied by the postgres repository and by its Redis read-through wrapper.
type Store interface {
	Get(ctx context.Context, accountID int64) (*entitlement.Snapshot, error)
	FindByCustomerRef(ctx context.Context, customerRef string) (*entitlement.Snapshot, error)
	Upsert(ctx context.Context, snap *entitlement.Snapshot) error
	ClaimBillingCustomerRef(ctx context.Context, accountID int64, ref string) (string, error)
	MirrorProviderProfile(ctx context.Context, accountID int64, tier *entitlement.Tier, periodEnd *time.Time) error
}

// StaleLister finds snapshots due for a polling reconciliation.
type StaleLister interface {
	ListStale(ctx context.Context, staleBefore, now time.Time, limit int) ([]int64, error)
	DeferSweep(ctx context.Context, accountID int64, retryAfter time.Time) error
}

type AccountResolver interface {
	Resolve(ctx context.Context, accountID int64) (*account.Account, error)
}

// RelationshipCounter answers quota questions about a provider's accepted relationships.
type RelationshipCounter interface {
	CountActiveRelationships(ctx context.Context, providerAccountID int64) (int, error)
	RankOfRelationship(ctx context.Context, providerAccountID, relationshipID int64) (int, error)
	RanksOfRelationships(ctx context.Context, providerAccountID int64, relationshipIDs []int64) (map[int64]int, error)
}
