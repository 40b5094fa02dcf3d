// internal/middleware/helpers.go
package middleware

import (
	"clientdesk-service/internal/domain/account"

	"github.com/gin-gonic/gin"
)

const (
	ctxIdentityID = "identity_id"
	ctxJTI        = "jti"
	ctxRoles      = "roles"
	ctxAccount    = "account"
)

// GetIdentityID returns the authenticated identity.
func GetIdentityID(c *gin.Context) (int64, bool) {
	identityID, exists := c.Get(ctxIdentityID)
	if !exists {
		return 0, false
	}

	id, ok := identityID.(int64)
	return id, ok
}

// MustGetIdentityID gets identity ID from context or panics
func MustGetIdentityID(c *gin.Context) int64 {
	identityID, exists := GetIdentityID(c)
	if !exists {
		panic("identity_id not found in context")
	}
	return identityID
}

// GetAccount returns the account resolved by Auth, or nil.
func GetAccount(c *gin.Context) *account.Account {
	v, exists := c.Get(ctxAccount)
	if !exists {
		return nil
	}
	acc, _ := v.(*account.Account)
	return acc
}

// SetAccount stores the caller's account. Auth does this; handler tests use it directly.
func SetAccount(c *gin.Context, acc *account.Account) {
	c.Set(ctxIdentityID, acc.ID)
	c.Set(ctxAccount, acc)
}

// GetRoles gets user roles from context
func GetRoles(c *gin.Context) []string {
	roles, exists := c.Get(ctxRoles)
	if !exists {
		return []string{}
	}

	rolesList, ok := roles.([]string)
	if !ok {
		return []string{}
	}

	return rolesList
}

// HasRole checks if user has role
func HasRole(c *gin.Context, role string) bool {
	for _, r := range GetRoles(c) {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks if user is an admin
func IsAdmin(c *gin.Context) bool {
	return HasRole(c, "admin") || HasRole(c, "super_admin")
}
