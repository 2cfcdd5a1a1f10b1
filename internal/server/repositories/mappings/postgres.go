// Package mappings provides the PostgreSQL-backed mapping store. Uniqueness
// of live mappings is enforced by partial unique indexes, not application
// checks; optimistic concurrency uses the resolve_version counter.
package mappings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *PostgresRepository) Upsert(ctx context.Context, m *models.SyncMapping) error {
	base, err := json.Marshal(m.BaseSnapshot)
	if err != nil {
		return fmt.Errorf("marshal base snapshot: %w", err)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
		m.ResolveVersion = 1
		query := `
			INSERT INTO sync_mappings
				(id, account_id, local_item_id, external_id, status, resolve_version,
				 last_synced_local_revision, last_synced_remote_revision, base_snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
		`
		_, err := r.db.ExecContext(ctx, query,
			m.ID, m.AccountID, m.LocalItemID, m.ExternalID, m.Status, m.ResolveVersion,
			m.LastSyncedLocalRevision, m.LastSyncedRemoteRevision, string(base))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate live mapping for account %s", common.ErrMappingIntegrity, m.AccountID)
			}
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	}

	query := `
		UPDATE sync_mappings SET
			status = $1,
			last_synced_local_revision = $2,
			last_synced_remote_revision = $3,
			base_snapshot = $4,
			resolve_version = resolve_version + 1,
			updated_at = now()
		WHERE id = $5 AND resolve_version = $6;
	`
	res, err := r.db.ExecContext(ctx, query,
		m.Status, m.LastSyncedLocalRevision, m.LastSyncedRemoteRevision, string(base),
		m.ID, m.ResolveVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate live mapping %s", common.ErrMappingIntegrity, m.ID)
		}
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		m.ResolveVersion++
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

const selectColumns = `id, account_id, local_item_id, external_id, status, resolve_version,
	last_synced_local_revision, last_synced_remote_revision, base_snapshot, created_at, updated_at`

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.SyncMapping, error) {
	var m models.SyncMapping
	var base string
	err := row.Scan(&m.ID, &m.AccountID, &m.LocalItemID, &m.ExternalID, &m.Status, &m.ResolveVersion,
		&m.LastSyncedLocalRevision, &m.LastSyncedRemoteRevision, &base, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := json.Unmarshal([]byte(base), &m.BaseSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal base snapshot: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) FindByExternal(ctx context.Context, accountID, externalID string) (*models.SyncMapping, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_mappings
		WHERE account_id = $1 AND external_id = $2 AND status <> 'deleted'`
	return r.scanOne(r.db.QueryRowContext(ctx, query, accountID, externalID))
}

func (r *PostgresRepository) FindByLocal(ctx context.Context, accountID, localItemID string) (*models.SyncMapping, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_mappings
		WHERE account_id = $1 AND local_item_id = $2 AND status <> 'deleted'`
	return r.scanOne(r.db.QueryRowContext(ctx, query, accountID, localItemID))
}

func (r *PostgresRepository) ListActive(ctx context.Context, accountID string) ([]*models.SyncMapping, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_mappings
		WHERE account_id = $1 AND status <> 'deleted' ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to select mappings: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncMapping
	for rows.Next() {
		var m models.SyncMapping
		var base string
		if err := rows.Scan(&m.ID, &m.AccountID, &m.LocalItemID, &m.ExternalID, &m.Status, &m.ResolveVersion,
			&m.LastSyncedLocalRevision, &m.LastSyncedRemoteRevision, &base, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(base), &m.BaseSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal base snapshot: %w", err)
		}
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, m *models.SyncMapping) error {
	query := `
		UPDATE sync_mappings SET
			status = 'deleted',
			resolve_version = resolve_version + 1,
			updated_at = now()
		WHERE id = $1 AND resolve_version = $2;
	`
	res, err := r.db.ExecContext(ctx, query, m.ID, m.ResolveVersion)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrVersionConflict
	}
	m.Status = models.MappingDeleted
	m.ResolveVersion++
	return nil
}

func (r *PostgresRepository) ArchiveForAccount(ctx context.Context, accountID string) error {
	query := `
		UPDATE sync_mappings SET
			status = 'deleted',
			resolve_version = resolve_version + 1,
			updated_at = now()
		WHERE account_id = $1 AND status <> 'deleted';
	`
	if _, err := r.db.ExecContext(ctx, query, accountID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
