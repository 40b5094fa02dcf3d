// internal/domain/account/entity.go
package account

// Kind tags which side of a relationship an account is on.
type Kind string

const (
	KindUnregistered Kind = "unregistered"
	KindProvider     Kind = "provider"
	KindClient       Kind = "client"
)

// Account is resolved once per authenticated request. Exactly one of the
// Provider/Client profiles is set, matching Kind; both are nil for Unregistered.
type Account struct {
	ID       int64            `json:"id" db:"id"`
	Email    string           `json:"email" db:"email"`
	Kind     Kind             `json:"kind"`
	Provider *ProviderProfile `json:"provider,omitempty"`
	Client   *ClientProfile   `json:"client,omitempty"`
}

type ProviderProfile struct {
	AccountID   int64  `json:"account_id" db:"account_id"`
	DisplayName string `json:"display_name" db:"display_name"`
}

type ClientProfile struct {
	AccountID   int64  `json:"account_id" db:"account_id"`
	DisplayName string `json:"display_name" db:"display_name"`
}

func (a *Account) IsProvider() bool {
	return a != nil && a.Kind == KindProvider
}

func (a *Account) IsClient() bool {
	return a != nil && a.Kind == KindClient
}
