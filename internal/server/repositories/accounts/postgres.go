// Package accounts provides PostgreSQL-backed persistence for external
// vault server accounts.
package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.VaultServerAccount) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	filter, err := json.Marshal(a.CollectionFilter)
	if err != nil {
		return fmt.Errorf("marshal collection filter: %w", err)
	}
	query := `
		INSERT INTO vault_server_accounts
			(id, name, server_url, organization_id, client_id, client_secret_handle,
			 collection_filter, direction, policy, sync_interval_hours, require_mfa_to_sync)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.Name, a.ServerURL, a.OrganizationID, a.ClientID, string(a.ClientSecretHandle),
		string(filter), a.Direction, a.Policy, a.SyncIntervalHours, a.RequireMFAToSync)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, a *models.VaultServerAccount) error {
	filter, err := json.Marshal(a.CollectionFilter)
	if err != nil {
		return fmt.Errorf("marshal collection filter: %w", err)
	}
	query := `
		UPDATE vault_server_accounts SET
			name = $1, server_url = $2, organization_id = $3, client_id = $4,
			client_secret_handle = $5, collection_filter = $6, direction = $7,
			policy = $8, sync_interval_hours = $9, require_mfa_to_sync = $10,
			updated_at = now()
		WHERE id = $11 AND NOT archived;
	`
	res, err := r.db.ExecContext(ctx, query,
		a.Name, a.ServerURL, a.OrganizationID, a.ClientID, string(a.ClientSecretHandle),
		string(filter), a.Direction, a.Policy, a.SyncIntervalHours, a.RequireMFAToSync, a.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

const selectColumns = `id, name, server_url, organization_id, client_id, client_secret_handle,
	collection_filter, direction, policy, sync_interval_hours, require_mfa_to_sync,
	last_sync, last_sync_status, last_error, archived, created_at, updated_at`

func scanAccount(scan func(dest ...any) error) (*models.VaultServerAccount, error) {
	var a models.VaultServerAccount
	var filter, secret string
	err := scan(&a.ID, &a.Name, &a.ServerURL, &a.OrganizationID, &a.ClientID, &secret,
		&filter, &a.Direction, &a.Policy, &a.SyncIntervalHours, &a.RequireMFAToSync,
		&a.LastSync, &a.LastSyncStatus, &a.LastError, &a.Archived, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ClientSecretHandle = cryptox.Handle(secret)
	if err := json.Unmarshal([]byte(filter), &a.CollectionFilter); err != nil {
		return nil, fmt.Errorf("unmarshal collection filter: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.VaultServerAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM vault_server_accounts WHERE id = $1`
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) List(ctx context.Context, includeArchived bool) ([]*models.VaultServerAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM vault_server_accounts WHERE ($1 OR NOT archived) ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("failed to select accounts: %w", err)
	}
	defer rows.Close()

	var result []*models.VaultServerAccount
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) SetRunStatus(ctx context.Context, id, status, lastError string, lastSync time.Time) error {
	query := `
		UPDATE vault_server_accounts SET
			last_sync = $1, last_sync_status = $2, last_error = $3, updated_at = now()
		WHERE id = $4;
	`
	if _, err := r.db.ExecContext(ctx, query, lastSync, status, lastError, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Archive(ctx context.Context, id string) error {
	query := `UPDATE vault_server_accounts SET archived = TRUE, updated_at = now() WHERE id = $1 AND NOT archived`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
