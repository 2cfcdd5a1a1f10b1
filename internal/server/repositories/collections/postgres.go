// Package collections persists external collection/organization projections.
package collections

import (
	"context"
	"fmt"

	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ReplaceForAccount swaps the whole projection. Callers run it inside a
// transaction (dbx.WithTx) so readers never observe a half-replaced set.
func (r *PostgresRepository) ReplaceForAccount(ctx context.Context, accountID string, cols []*models.Collection) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_collections WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	query := `
		INSERT INTO sync_collections (account_id, external_id, name, organization_id, refreshed_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	for _, c := range cols {
		if _, err := r.db.ExecContext(ctx, query, accountID, c.ExternalID, c.Name, c.OrganizationID, c.RefreshedAt); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) ListForAccount(ctx context.Context, accountID string) ([]*models.Collection, error) {
	query := `SELECT account_id, external_id, name, organization_id, refreshed_at
		FROM sync_collections WHERE account_id = $1 ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to select collections: %w", err)
	}
	defer rows.Close()

	var result []*models.Collection
	for rows.Next() {
		var c models.Collection
		if err := rows.Scan(&c.AccountID, &c.ExternalID, &c.Name, &c.OrganizationID, &c.RefreshedAt); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
