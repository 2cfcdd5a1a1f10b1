// Package items provides PostgreSQL-backed persistence for local vault
// items. Secret fields are stored as sealed handles plus fingerprints.
package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `id, folder_id, name, username, uri,
	password_handle, password_fp, notes_handle, notes_fp, totp_handle, totp_fp,
	revision, deleted, created_at, updated_at`

func scanItem(scan func(dest ...any) error) (*models.VaultItem, error) {
	var i models.VaultItem
	err := scan(&i.ID, &i.FolderID, &i.Name, &i.Username, &i.URI,
		&i.PasswordHandle, &i.PasswordFP, &i.NotesHandle, &i.NotesFP, &i.TOTPHandle, &i.TOTPFP,
		&i.Revision, &i.Deleted, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.VaultItem, error) {
	query := `SELECT ` + selectColumns + ` FROM vault_items WHERE id = $1`
	i, err := scanItem(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return i, nil
}

func (r *PostgresRepository) List(ctx context.Context, includeDeleted bool) ([]*models.VaultItem, error) {
	query := `SELECT ` + selectColumns + ` FROM vault_items WHERE ($1 OR NOT deleted) ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rows.Close()

	var result []*models.VaultItem
	for rows.Next() {
		i, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Upsert writes the item and bumps revision on update. RETURNING feeds the
// stored revision back so callers can record it in the mapping.
func (r *PostgresRepository) Upsert(ctx context.Context, item *models.VaultItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	query := `
		INSERT INTO vault_items
			(id, folder_id, name, username, uri,
			 password_handle, password_fp, notes_handle, notes_fp, totp_handle, totp_fp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			folder_id = EXCLUDED.folder_id,
			name = EXCLUDED.name,
			username = EXCLUDED.username,
			uri = EXCLUDED.uri,
			password_handle = EXCLUDED.password_handle,
			password_fp = EXCLUDED.password_fp,
			notes_handle = EXCLUDED.notes_handle,
			notes_fp = EXCLUDED.notes_fp,
			totp_handle = EXCLUDED.totp_handle,
			totp_fp = EXCLUDED.totp_fp,
			deleted = FALSE,
			revision = vault_items.revision + 1,
			updated_at = now()
		RETURNING revision, updated_at;
	`
	err := r.db.QueryRowContext(ctx, query,
		item.ID, item.FolderID, item.Name, item.Username, item.URI,
		item.PasswordHandle, item.PasswordFP, item.NotesHandle, item.NotesFP,
		item.TOTPHandle, item.TOTPFP).Scan(&item.Revision, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE vault_items SET deleted = TRUE, revision = revision + 1, updated_at = now()
		WHERE id = $1 AND NOT deleted;
	`
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
