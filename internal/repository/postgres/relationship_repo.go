// internal/repository/postgres/relationship_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"clientdesk-service/internal/domain/relationship"
	xerrors "clientdesk-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type RelationshipRepository struct {
	db *pgxpool.Pool
}

func NewRelationshipRepository(db *pgxpool.Pool) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

// rankedAccepted numbers a provider's accepted relationships by creation order, oldest first.
const rankedAccepted = `
	SELECT id, ROW_NUMBER() OVER (ORDER BY created_at ASC, id ASC) AS rank
	FROM relationships
	WHERE provider_account_id = $1 AND status = 'accepted'
`

// FindByID retrieves a relationship by ID
func (r *RelationshipRepository) FindByID(ctx context.Context, id int64) (*relationship.Relationship, error) {
	query := `
		SELECT id, provider_account_id, client_account_id, status, created_at, updated_at
		FROM relationships
		WHERE id = $1
	`

	var rel relationship.Relationship
	err := r.db.QueryRow(ctx, query, id).Scan(
		&rel.ID, &rel.ProviderAccountID, &rel.ClientAccountID, &rel.Status, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find relationship: %w", err)
	}
	return &rel, nil
}

// CountActiveRelationships counts the provider's accepted relationships
func (r *RelationshipRepository) CountActiveRelationships(ctx context.Context, providerAccountID int64) (int, error) {
	query := `SELECT COUNT(*) FROM relationships WHERE provider_account_id = $1 AND status = 'accepted'`

	var count int
	if err := r.db.QueryRow(ctx, query, providerAccountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count relationships: %w", err)
	}
	return count, nil
}

// RankOfRelationship returns the 1-based creation-order rank of an accepted relationship.
func (r *RelationshipRepository) RankOfRelationship(ctx context.Context, providerAccountID, relationshipID int64) (int, error) {
	query := `SELECT rank FROM (` + rankedAccepted + `) ranked WHERE id = $2`

	var rank int
	err := r.db.QueryRow(ctx, query, providerAccountID, relationshipID).Scan(&rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, xerrors.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to rank relationship: %w", err)
	}
	return rank, nil
}

// RanksOfRelationships ranks several relationships at once. Ids that are not
// accepted relationships of the provider are absent from the result.
func (r *RelationshipRepository) RanksOfRelationships(ctx context.Context, providerAccountID int64, relationshipIDs []int64) (map[int64]int, error) {
	query := `SELECT id, rank FROM (` + rankedAccepted + `) ranked WHERE id = ANY($2)`

	rows, err := r.db.Query(ctx, query, providerAccountID, pq.Array(relationshipIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to rank relationships: %w", err)
	}
	defer rows.Close()

	ranks := make(map[int64]int, len(relationshipIDs))
	for rows.Next() {
		var id int64
		var rank int
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan relationship rank: %w", err)
		}
		ranks[id] = rank
	}
	return ranks, rows.Err()
}

// Accept moves a pending relationship of the provider to accepted. The provider
// row is locked so concurrent accepts see each other's count; limit < 0 means no cap.
func (r *RelationshipRepository) Accept(ctx context.Context, providerAccountID, relationshipID int64, limit int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx, `SELECT account_id FROM providers WHERE account_id = $1 FOR UPDATE`, providerAccountID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return xerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock provider: %w", err)
	}

	if limit >= 0 {
		var count int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM relationships WHERE provider_account_id = $1 AND status = 'accepted'`,
			providerAccountID,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count relationships: %w", err)
		}
		if count >= limit {
			return xerrors.ErrLimitReached
		}
	}

	query := `
		UPDATE relationships
		SET status = 'accepted', updated_at = NOW()
		WHERE id = $1 AND provider_account_id = $2 AND status = 'pending'
	`
	result, err := tx.Exec(ctx, query, relationshipID, providerAccountID)
	if err != nil {
		return fmt.Errorf("failed to accept relationship: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit accept: %w", err)
	}
	return nil
}
