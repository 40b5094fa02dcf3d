// internal/domain/billing/types.go
package billing

import "time"

// SubscriptionStatus mirrors the billing provider's subscription status strings.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// Subscription is the slice of a provider subscription the entitlement engine needs.
type Subscription struct {
	ID                string
	Status            SubscriptionStatus
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	PriceID           string
	// UnitAmount is the price amount in the smallest currency unit; nil when unknown.
	UnitAmount *int64
	Created    time.Time
}

type Customer struct {
	ID    string
	Email string
}

type CheckoutSessionParams struct {
	CustomerRef string
	PriceID     string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type PortalSessionParams struct {
	CustomerRef string
	ReturnURL   string
}

// Metadata keys stamped on checkout sessions for webhook correlation.
const (
	MetadataAccountID = "account_id"
	MetadataTier      = "tier"
)
