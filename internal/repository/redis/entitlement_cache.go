// internal/repository/redis/entitlement_cache.go
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clientdesk-service/internal/domain/entitlement"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// entitlementBackend is the authoritative store behind the cache.
type entitlementBackend interface {
	Get(ctx context.Context, accountID int64) (*entitlement.Snapshot, error)
	FindByCustomerRef(ctx context.Context, customerRef string) (*entitlement.Snapshot, error)
	Upsert(ctx context.Context, snap *entitlement.Snapshot) error
	ClaimBillingCustomerRef(ctx context.Context, accountID int64, ref string) (string, error)
	MirrorProviderProfile(ctx context.Context, accountID int64, tier *entitlement.Tier, periodEnd *time.Time) error
}

// storeIfNewer writes a versioned snapshot unless the cached one carries a
// later version. KEYS[1] key; ARGV[1] version; ARGV[2] snapshot JSON; ARGV[3] ttl ms.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local v = tonumber(string.match(cur, '^(%d+)|'))
	if v and v > tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. ARGV[2], 'PX', ARGV[3])
return 1
`)

// CachedEntitlementStore serves snapshot reads from Redis. Entries are
// versioned by reconciliation time so a slow read-through fill never
// replaces a newer write. Redis failures degrade to the backend; they never
// fail a call.
type CachedEntitlementStore struct {
	backend entitlementBackend
	client  *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
}

func NewCachedEntitlementStore(backend entitlementBackend, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEntitlementStore {
	return &CachedEntitlementStore{
		backend: backend,
		client:  client,
		ttl:     ttl,
		logger:  logger,
	}
}

func (s *CachedEntitlementStore) key(accountID int64) string {
	return fmt.Sprintf("entitlement:snapshot:%d", accountID)
}

func (s *CachedEntitlementStore) Get(ctx context.Context, accountID int64) (*entitlement.Snapshot, error) {
	if s.ttl > 0 {
		if snap, ok := s.cached(ctx, accountID); ok {
			return snap, nil
		}
	}

	snap, err := s.backend.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.store(ctx, snap)
	}
	return snap, nil
}

func (s *CachedEntitlementStore) FindByCustomerRef(ctx context.Context, customerRef string) (*entitlement.Snapshot, error) {
	return s.backend.FindByCustomerRef(ctx, customerRef)
}

// Upsert writes through: the row as stored (a kept customer reference
// included) replaces the cache entry.
func (s *CachedEntitlementStore) Upsert(ctx context.Context, snap *entitlement.Snapshot) error {
	if err := s.backend.Upsert(ctx, snap); err != nil {
		return err
	}
	if s.ttl <= 0 {
		return nil
	}

	stored, err := s.backend.Get(ctx, snap.AccountID)
	if err != nil || !s.store(ctx, stored) {
		s.invalidate(ctx, snap.AccountID)
	}
	return nil
}

func (s *CachedEntitlementStore) ClaimBillingCustomerRef(ctx context.Context, accountID int64, ref string) (string, error) {
	winner, err := s.backend.ClaimBillingCustomerRef(ctx, accountID, ref)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, accountID)
	return winner, nil
}

func (s *CachedEntitlementStore) MirrorProviderProfile(ctx context.Context, accountID int64, tier *entitlement.Tier, periodEnd *time.Time) error {
	return s.backend.MirrorProviderProfile(ctx, accountID, tier, periodEnd)
}

func (s *CachedEntitlementStore) cached(ctx context.Context, accountID int64) (*entitlement.Snapshot, bool) {
	data, err := s.client.Get(ctx, s.key(accountID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("entitlement cache read failed, using database", zap.Error(err))
		}
		return nil, false
	}

	_, body, found := strings.Cut(data, "|")
	if !found {
		return nil, false
	}
	var snap entitlement.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// store caches snap unless a newer version is already cached. It reports
// false only when Redis could not be updated.
func (s *CachedEntitlementStore) store(ctx context.Context, snap *entitlement.Snapshot) bool {
	data, err := json.Marshal(snap)
	if err != nil {
		return false
	}

	version := strconv.FormatInt(snap.LastReconciledAt.UnixMilli(), 10)
	err = storeIfNewer.Run(ctx, s.client, []string{s.key(snap.AccountID)}, version, string(data), s.ttl.Milliseconds()).Err()
	if err != nil {
		s.logger.Warn("entitlement cache write failed",
			zap.Int64("account_id", snap.AccountID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *CachedEntitlementStore) invalidate(ctx context.Context, accountID int64) {
	if err := s.client.Del(ctx, s.key(accountID)).Err(); err != nil {
		s.logger.Warn("entitlement cache invalidation failed",
			zap.Int64("account_id", accountID),
			zap.Error(err),
		)
	}
}
