// internal/domain/entitlement/dto.go
package entitlement

// ReconcileOptions controls the freshness policy of a single reconciliation.
type ReconcileOptions struct {
	// Force bypasses the minimum reconciliation interval.
	Force bool
}

type CheckoutRequest struct {
	Tier string `json:"tier" binding:"required,oneof=starter pro"`
}

// CheckoutResult tells the caller where to send the user.
type CheckoutResult struct {
	RedirectURL   string `json:"redirect_url"`
	IsNewCheckout bool   `json:"is_new_checkout"`
}

type AdmissionResponse struct {
	CanAccept bool `json:"can_accept"`
	Limit     int  `json:"limit"`
	Tier      Tier `json:"tier"`
}

type AccessRequest struct {
	RelationshipIDs []int64 `json:"relationship_ids" binding:"required,min=1,max=500"`
}

type AccessResponse struct {
	Access map[int64]bool `json:"access"`
}
