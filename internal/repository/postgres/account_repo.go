// internal/repository/postgres/account_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"clientdesk-service/internal/domain/account"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Resolve loads an account together with whichever profile it has, in one query.
func (r *AccountRepository) Resolve(ctx context.Context, accountID int64) (*account.Account, error) {
	query := `
		SELECT a.id, a.email,
		       p.account_id, COALESCE(p.display_name, ''),
		       c.account_id, COALESCE(c.display_name, '')
		FROM accounts a
		LEFT JOIN providers p ON p.account_id = a.id
		LEFT JOIN clients c ON c.account_id = a.id
		WHERE a.id = $1 AND a.deleted_at IS NULL
	`

	var (
		acc                      account.Account
		providerID, clientID     *int64
		providerName, clientName string
	)
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&acc.ID, &acc.Email,
		&providerID, &providerName,
		&clientID, &clientName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	// An account with both profiles acts as a provider; limits apply to that side.
	switch {
	case providerID != nil:
		acc.Kind = account.KindProvider
		acc.Provider = &account.ProviderProfile{AccountID: *providerID, DisplayName: providerName}
	case clientID != nil:
		acc.Kind = account.KindClient
		acc.Client = &account.ClientProfile{AccountID: *clientID, DisplayName: clientName}
	default:
		acc.Kind = account.KindUnregistered
	}

	return &acc, nil
}
