// internal/domain/relationship/entity.go
package relationship

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Relationship links one provider account with one client account.
type Relationship struct {
	ID                int64     `json:"id" db:"id"`
	ProviderAccountID int64     `json:"provider_account_id" db:"provider_account_id"`
	ClientAccountID   int64     `json:"client_account_id" db:"client_account_id"`
	Status            Status    `json:"status" db:"status"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether the account is on either side of the relationship.
func (r *Relationship) HasParticipant(accountID int64) bool {
	return r.ProviderAccountID == accountID || r.ClientAccountID == accountID
}
