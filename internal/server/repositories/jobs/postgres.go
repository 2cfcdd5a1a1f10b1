// Package jobs persists bulk export/import job records.
package jobs

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

func (r *PostgresRepository) Create(ctx context.Context, j *models.ExportImportJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	query := `
		INSERT INTO export_import_jobs (id, account_id, kind, state, total, started_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	if _, err := r.db.ExecContext(ctx, query, j.ID, j.AccountID, j.Kind, j.State, j.Total, j.StartedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateProgress(ctx context.Context, j *models.ExportImportJob) error {
	query := `
		UPDATE export_import_jobs SET
			processed = $1, succeeded = $2, failed = $3, skipped = $4, total = $5
		WHERE id = $6;
	`
	if _, err := r.db.ExecContext(ctx, query, j.Processed, j.Succeeded, j.Failed, j.Skipped, j.Total, j.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Finish(ctx context.Context, j *models.ExportImportJob) error {
	query := `
		UPDATE export_import_jobs SET
			state = $1, processed = $2, succeeded = $3, failed = $4, skipped = $5,
			total = $6, archive_key = $7, error = $8, finished_at = $9
		WHERE id = $10;
	`
	res, err := r.db.ExecContext(ctx, query,
		j.State, j.Processed, j.Succeeded, j.Failed, j.Skipped,
		j.Total, j.ArchiveKey, j.Error, j.FinishedAt, j.ID)
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

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.ExportImportJob, error) {
	query := `SELECT id, account_id, kind, state, processed, succeeded, failed, skipped,
		total, archive_key, error, started_at, finished_at
		FROM export_import_jobs WHERE id = $1`
	var j models.ExportImportJob
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.AccountID, &j.Kind, &j.State, &j.Processed, &j.Succeeded, &j.Failed, &j.Skipped,
		&j.Total, &j.ArchiveKey, &j.Error, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &j, nil
}
