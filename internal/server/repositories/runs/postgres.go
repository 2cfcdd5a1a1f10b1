// Package runs provides PostgreSQL-backed persistence for sync run records.
package runs

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

func (r *PostgresRepository) Create(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	query := `INSERT INTO sync_runs (id, account_id, state, started_at) VALUES ($1, $2, $3, $4);`
	if _, err := r.db.ExecContext(ctx, query, run.ID, run.AccountID, run.State, run.StartedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Finish(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs SET
			state = $1, items_processed = $2, succeeded = $3, failed = $4,
			skipped = $5, conflicts = $6, error = $7, finished_at = $8
		WHERE id = $9;
	`
	res, err := r.db.ExecContext(ctx, query,
		run.State, run.ItemsProcessed, run.Succeeded, run.Failed,
		run.Skipped, run.Conflicts, run.Error, run.FinishedAt, run.ID)
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

const selectColumns = `id, account_id, state, items_processed, succeeded, failed,
	skipped, conflicts, error, started_at, finished_at`

func scanRun(scan func(dest ...any) error) (*models.SyncRun, error) {
	var run models.SyncRun
	err := scan(&run.ID, &run.AccountID, &run.State, &run.ItemsProcessed, &run.Succeeded,
		&run.Failed, &run.Skipped, &run.Conflicts, &run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_runs WHERE id = $1`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return run, nil
}

func (r *PostgresRepository) ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.SyncRun, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_runs WHERE account_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select runs: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
