// internal/domain/entitlement/entity.go
package entitlement

import (
	"fmt"
	"time"
)

// Tier is a subscription tier. The zero value is not a valid tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
)

// Unlimited marks a tier without a relationship cap.
const Unlimited = -1

// TierLimits maps a tier to how many accepted relationships a provider may interact with.
var TierLimits = map[Tier]int{
	TierFree:    5,
	TierStarter: 20,
	TierPro:     Unlimited,
}

// PaidTiers are the tiers that can be bought through checkout.
var PaidTiers = []Tier{TierStarter, TierPro}

func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierFree, TierStarter, TierPro:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

func (t Tier) IsPaid() bool {
	return t == TierStarter || t == TierPro
}

// Snapshot is the locally cached entitlement state of one account.
type Snapshot struct {
	AccountID          int64      `json:"account_id" db:"account_id"`
	BillingCustomerRef *string    `json:"billing_customer_ref,omitempty" db:"billing_customer_ref"`
	Subscribed         bool       `json:"subscribed" db:"subscribed"`
	Tier               *Tier      `json:"tier" db:"tier"`
	PeriodEnd          *time.Time `json:"period_end" db:"period_end"`
	LastReconciledAt   time.Time  `json:"last_reconciled_at" db:"last_reconciled_at"`
}

// Unsubscribed builds the "no active subscription" snapshot, which is a valid state.
func Unsubscribed(accountID int64, customerRef *string, at time.Time) *Snapshot {
	return &Snapshot{
		AccountID:          accountID,
		BillingCustomerRef: customerRef,
		Subscribed:         false,
		LastReconciledAt:   at,
	}
}

// Validate checks that subscribed snapshots carry a tier and a period end.
func (s *Snapshot) Validate() error {
	if s.Subscribed && (s.Tier == nil || s.PeriodEnd == nil) {
		return fmt.Errorf("subscribed snapshot for account %d must carry tier and period end", s.AccountID)
	}
	if !s.Subscribed && (s.Tier != nil || s.PeriodEnd != nil) {
		return fmt.Errorf("unsubscribed snapshot for account %d must not carry tier or period end", s.AccountID)
	}
	return nil
}

// EffectiveTier is the tier limits are computed from: unsubscribed accounts are on free.
func (s *Snapshot) EffectiveTier() Tier {
	if s == nil || !s.Subscribed || s.Tier == nil {
		return TierFree
	}
	return *s.Tier
}

// RelationshipLimit returns the relationship cap for the snapshot, or Unlimited.
func (s *Snapshot) RelationshipLimit() int {
	if limit, ok := TierLimits[s.EffectiveTier()]; ok {
		return limit
	}
	return TierLimits[TierFree]
}

// SameState compares two snapshots ignoring LastReconciledAt.
func (s *Snapshot) SameState(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.AccountID == o.AccountID &&
		s.Subscribed == o.Subscribed &&
		equalPtr(s.BillingCustomerRef, o.BillingCustomerRef) &&
		equalPtr(s.Tier, o.Tier) &&
		equalTime(s.PeriodEnd, o.PeriodEnd)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
