package entitlement

import (
	"context"
	"sync"
	"time"

	"clientdesk-service/internal/config"
	"clientdesk-service/internal/domain/account"
	domain "clientdesk-service/internal/domain/billing"
	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/stretchr/testify/mock"
)

const (
	priceStarter       = "price_starter"
	pricePro           = "price_pro"
	priceStarterLegacy = "price_starter_2023"
)

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		StripeSecretKey: "sk_test",
		TierPrices: map[entitlement.Tier]string{
			entitlement.TierStarter: priceStarter,
			entitlement.TierPro:     pricePro,
		},
		PriceTiers: map[string]entitlement.Tier{
			priceStarter:       entitlement.TierStarter,
			pricePro:           entitlement.TierPro,
			priceStarterLegacy: entitlement.TierStarter,
		},
		StarterMinAmount: 1,
		ProMinAmount:     4900,
		SuccessURL:       "https://app.test/success",
		CancelURL:        "https://app.test/cancel",
		PortalReturnURL:  "https://app.test/billing",
	}
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) FindCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Customer), args.Error(1)
}

func (m *mockProvider) CreateCustomer(ctx context.Context, email string, accountID int64) (*domain.Customer, error) {
	args := m.Called(ctx, email, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *mockProvider) ListSubscriptions(ctx context.Context, customerRef string) ([]domain.Subscription, error) {
	args := m.Called(ctx, customerRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Subscription), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params domain.CheckoutSessionParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreatePortalSession(ctx context.Context, params domain.PortalSessionParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

// memStore mirrors the postgres repository's upsert and claim semantics.
type memStore struct {
	mu        sync.Mutex
	snapshots map[int64]*entitlement.Snapshot
	mirrored  map[int64]*entitlement.Tier
	upserts   int
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[int64]*entitlement.Snapshot),
		mirrored:  make(map[int64]*entitlement.Tier),
	}
}

func (s *memStore) Get(_ context.Context, accountID int64) (*entitlement.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	snap, ok := s.snapshots[accountID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *memStore) FindByCustomerRef(_ context.Context, ref string) (*entitlement.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if snap.BillingCustomerRef != nil && *snap.BillingCustomerRef == ref {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (s *memStore) Upsert(_ context.Context, snap *entitlement.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	if cp.BillingCustomerRef == nil {
		if existing, ok := s.snapshots[snap.AccountID]; ok {
			cp.BillingCustomerRef = existing.BillingCustomerRef
		}
	}
	s.snapshots[snap.AccountID] = &cp
	s.upserts++
	return nil
}

func (s *memStore) ClaimBillingCustomerRef(_ context.Context, accountID int64, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.snapshots[accountID]
	if !ok {
		s.snapshots[accountID] = &entitlement.Snapshot{AccountID: accountID, BillingCustomerRef: &ref, LastReconciledAt: time.Unix(0, 0)}
		return ref, nil
	}
	if existing.BillingCustomerRef == nil {
		existing.BillingCustomerRef = &ref
	}
	return *existing.BillingCustomerRef, nil
}

func (s *memStore) MirrorProviderProfile(_ context.Context, accountID int64, tier *entitlement.Tier, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrored[accountID] = tier
	return nil
}

func (s *memStore) put(snap *entitlement.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AccountID] = snap
}

type fakeAccounts map[int64]*account.Account

func (f fakeAccounts) Resolve(_ context.Context, accountID int64) (*account.Account, error) {
	acc, ok := f[accountID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return acc, nil
}

func providerAccount(id int64, email string) *account.Account {
	return &account.Account{
		ID:       id,
		Email:    email,
		Kind:     account.KindProvider,
		Provider: &account.ProviderProfile{AccountID: id},
	}
}

func clientAccount(id int64, email string) *account.Account {
	return &account.Account{
		ID:     id,
		Email:  email,
		Kind:   account.KindClient,
		Client: &account.ClientProfile{AccountID: id},
	}
}

// fakeRelationships keeps accepted relationship ids per provider in creation order.
type fakeRelationships struct {
	accepted map[int64][]int64
	err      error
}

func (f *fakeRelationships) CountActiveRelationships(_ context.Context, providerAccountID int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.accepted[providerAccountID]), nil
}

func (f *fakeRelationships) RankOfRelationship(_ context.Context, providerAccountID, relationshipID int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for i, id := range f.accepted[providerAccountID] {
		if id == relationshipID {
			return i + 1, nil
		}
	}
	return 0, xerrors.ErrNotFound
}

func (f *fakeRelationships) RanksOfRelationships(_ context.Context, providerAccountID int64, ids []int64) (map[int64]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	ranks := make(map[int64]int)
	for _, id := range ids {
		if rank, err := f.RankOfRelationship(context.Background(), providerAccountID, id); err == nil {
			ranks[id] = rank
		}
	}
	return ranks, nil
}

func (f *fakeRelationships) accept(providerAccountID int64, n int) {
	if f.accepted == nil {
		f.accepted = make(map[int64][]int64)
	}
	next := int64(len(f.accepted[providerAccountID]) + 1)
	for i := 0; i < n; i++ {
		f.accepted[providerAccountID] = append(f.accepted[providerAccountID], next+int64(i))
	}
}

func subscribedSnapshot(accountID int64, tier entitlement.Tier) *entitlement.Snapshot {
	ref := "cus_existing"
	end := time.Now().Add(30 * 24 * time.Hour)
	return &entitlement.Snapshot{
		AccountID:          accountID,
		BillingCustomerRef: &ref,
		Subscribed:         true,
		Tier:               &tier,
		PeriodEnd:          &end,
		LastReconciledAt:   time.Now(),
	}
}

func amount(v int64) *int64 { return &v }
