// internal/pkg/session/revocation.go
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList holds access token ids that must be refused before they
// expire. Entries live only as long as the token would have.
type RevocationList struct {
	client *redis.Client
}

func NewRevocationList(client *redis.Client) *RevocationList {
	return &RevocationList{client: client}
}

// IsRevoked checks if a token id is on the list
func (r *RevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation list: %w", err)
	}
	return exists > 0, nil
}

// Revoke adds a token id for ttl.
func (r *RevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("token id is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return r.client.Set(ctx, r.key(jti), "1", ttl).Err()
}

func (r *RevocationList) key(jti string) string {
	return fmt.Sprintf("revoked:%s", jti)
}
