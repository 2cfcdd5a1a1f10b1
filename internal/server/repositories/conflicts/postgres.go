// Package conflicts provides PostgreSQL-backed persistence for sync
// conflicts. Rows are immutable after resolution except for the resolver
// identity fields written by Resolve itself.
package conflicts

import (
	"context"
	"database/sql"
	"encoding/json"
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

func (r *PostgresRepository) Create(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}
	localFields, err := json.Marshal(c.LocalChangedFields)
	if err != nil {
		return fmt.Errorf("marshal local fields: %w", err)
	}
	remoteFields, err := json.Marshal(c.RemoteChangedFields)
	if err != nil {
		return fmt.Errorf("marshal remote fields: %w", err)
	}

	query := `
		INSERT INTO sync_conflicts
			(id, mapping_id, account_id, local_item_id, external_id, classification, status,
			 local_snapshot, remote_snapshot, local_modified_at, remote_modified_at,
			 local_changed_fields, remote_changed_fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.MappingID, c.AccountID, c.LocalItemID, c.ExternalID, c.Classification, models.ConflictPending,
		string(local), string(remote), c.LocalModifiedAt, c.RemoteModifiedAt,
		string(localFields), string(remoteFields))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	c.Status = models.ConflictPending
	return nil
}

const selectColumns = `id, mapping_id, account_id, local_item_id, external_id, classification, status,
	local_snapshot, remote_snapshot, local_modified_at, remote_modified_at,
	local_changed_fields, remote_changed_fields, resolution, resolved_snapshot,
	resolved_by, resolved_at, created_at`

func scanConflict(scan func(dest ...any) error) (*models.Conflict, error) {
	var c models.Conflict
	var local, remote, localFields, remoteFields string
	var resolved sql.NullString
	err := scan(&c.ID, &c.MappingID, &c.AccountID, &c.LocalItemID, &c.ExternalID, &c.Classification, &c.Status,
		&local, &remote, &c.LocalModifiedAt, &c.RemoteModifiedAt,
		&localFields, &remoteFields, &c.Resolution, &resolved,
		&c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(local), &c.LocalSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal remote snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(localFields), &c.LocalChangedFields); err != nil {
		return nil, fmt.Errorf("unmarshal local fields: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteFields), &c.RemoteChangedFields); err != nil {
		return nil, fmt.Errorf("unmarshal remote fields: %w", err)
	}
	if resolved.Valid {
		var s models.ItemSnapshot
		if err := json.Unmarshal([]byte(resolved.String), &s); err != nil {
			return nil, fmt.Errorf("unmarshal resolved snapshot: %w", err)
		}
		c.ResolvedSnapshot = &s
	}
	return &c, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Conflict, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_conflicts WHERE id = $1`
	c, err := scanConflict(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) List(ctx context.Context, accountID string, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_conflicts
		WHERE account_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, accountID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Resolve(ctx context.Context, c *models.Conflict) error {
	var resolved any
	if c.ResolvedSnapshot != nil {
		b, err := json.Marshal(c.ResolvedSnapshot)
		if err != nil {
			return fmt.Errorf("marshal resolved snapshot: %w", err)
		}
		resolved = string(b)
	}
	query := `
		UPDATE sync_conflicts SET
			status = $1, resolution = $2, resolved_snapshot = $3,
			resolved_by = $4, resolved_at = $5
		WHERE id = $6 AND status = 'pending';
	`
	res, err := r.db.ExecContext(ctx, query,
		c.Status, c.Resolution, resolved, c.ResolvedBy, c.ResolvedAt, c.ID)
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

func (r *PostgresRepository) CountPending(ctx context.Context, accountID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM sync_conflicts WHERE account_id = $1 AND status = 'pending'`
	if err := r.db.QueryRowContext(ctx, query, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
