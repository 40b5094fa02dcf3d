// internal/repository/postgres/entitlement_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clientdesk-service/internal/domain/entitlement"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntitlementRepository persists one entitlement snapshot per account.
type EntitlementRepository struct {
	db *pgxpool.Pool
}

func NewEntitlementRepository(db *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

const entitlementColumns = `account_id, billing_customer_ref, subscribed, tier, period_end, last_reconciled_at`

// Get retrieves the snapshot of an account
func (r *EntitlementRepository) Get(ctx context.Context, accountID int64) (*entitlement.Snapshot, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE account_id = $1`

	snap, err := scanSnapshot(r.db.QueryRow(ctx, query, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement: %w", err)
	}
	return snap, nil
}

// FindByCustomerRef retrieves the snapshot currently holding a billing customer reference
func (r *EntitlementRepository) FindByCustomerRef(ctx context.Context, customerRef string) (*entitlement.Snapshot, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE billing_customer_ref = $1
		ORDER BY last_reconciled_at DESC LIMIT 1`

	snap, err := scanSnapshot(r.db.QueryRow(ctx, query, customerRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement by customer: %w", err)
	}
	return snap, nil
}

// Upsert writes the snapshot keyed by account id in a single statement.
// A known customer reference is never replaced by a null one.
func (r *EntitlementRepository) Upsert(ctx context.Context, snap *entitlement.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO entitlements (` + entitlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			billing_customer_ref = COALESCE(EXCLUDED.billing_customer_ref, entitlements.billing_customer_ref),
			subscribed           = EXCLUDED.subscribed,
			tier                 = EXCLUDED.tier,
			period_end           = EXCLUDED.period_end,
			last_reconciled_at   = EXCLUDED.last_reconciled_at,
			sweep_retry_after    = NULL
	`

	_, err := r.db.Exec(ctx, query,
		snap.AccountID, snap.BillingCustomerRef, snap.Subscribed,
		tierParam(snap.Tier), snap.PeriodEnd, snap.LastReconciledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// ClaimBillingCustomerRef stores ref for the account unless one is already
// stored, and returns whichever reference won.
func (r *EntitlementRepository) ClaimBillingCustomerRef(ctx context.Context, accountID int64, ref string) (string, error) {
	query := `
		INSERT INTO entitlements (account_id, billing_customer_ref, subscribed, last_reconciled_at)
		VALUES ($1, $2, FALSE, to_timestamp(0))
		ON CONFLICT (account_id) DO UPDATE SET
			billing_customer_ref = COALESCE(entitlements.billing_customer_ref, EXCLUDED.billing_customer_ref)
		RETURNING billing_customer_ref
	`

	var winner string
	if err := r.db.QueryRow(ctx, query, accountID, ref).Scan(&winner); err != nil {
		return "", fmt.Errorf("failed to store billing customer: %w", err)
	}
	return winner, nil
}

// ListStale returns live accounts whose snapshot was reconciled before
// staleBefore, or whose paid period has already ended. Accounts backing off
// after a failed sweep are left out until their retry time.
func (r *EntitlementRepository) ListStale(ctx context.Context, staleBefore, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT e.account_id FROM entitlements e
		JOIN accounts a ON a.id = e.account_id AND a.deleted_at IS NULL
		WHERE (e.last_reconciled_at < $1 OR (e.subscribed AND e.period_end < $2))
		  AND (e.sweep_retry_after IS NULL OR e.sweep_retry_after <= $2)
		ORDER BY e.last_reconciled_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, staleBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale entitlements: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeferSweep keeps the account out of ListStale until retryAfter. A
// successful upsert clears it.
func (r *EntitlementRepository) DeferSweep(ctx context.Context, accountID int64, retryAfter time.Time) error {
	query := `UPDATE entitlements SET sweep_retry_after = $2 WHERE account_id = $1`

	if _, err := r.db.Exec(ctx, query, accountID, retryAfter); err != nil {
		return fmt.Errorf("failed to defer sweep: %w", err)
	}
	return nil
}

// MirrorProviderProfile copies tier and period onto the denormalized provider row.
// Accounts without a provider profile are left alone.
func (r *EntitlementRepository) MirrorProviderProfile(ctx context.Context, accountID int64, tier *entitlement.Tier, periodEnd *time.Time) error {
	query := `
		UPDATE providers
		SET subscription_tier = $2, subscription_period_end = $3, updated_at = NOW()
		WHERE account_id = $1
	`

	if _, err := r.db.Exec(ctx, query, accountID, tierParam(tier), periodEnd); err != nil {
		return fmt.Errorf("failed to mirror provider subscription: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (*entitlement.Snapshot, error) {
	var (
		snap entitlement.Snapshot
		tier *string
	)
	err := row.Scan(
		&snap.AccountID, &snap.BillingCustomerRef, &snap.Subscribed,
		&tier, &snap.PeriodEnd, &snap.LastReconciledAt,
	)
	if err != nil {
		return nil, err
	}
	if tier != nil {
		t := entitlement.Tier(*tier)
		snap.Tier = &t
	}
	return &snap, nil
}

func tierParam(t *entitlement.Tier) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}
