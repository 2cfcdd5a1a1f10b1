// Package history provides the PostgreSQL-backed append-only sync ledger.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func marshalSnapshot(s *models.ItemSnapshot) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *PostgresRepository) Append(ctx context.Context, e *models.SyncHistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	before, err := marshalSnapshot(e.Before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	after, err := marshalSnapshot(e.After)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}

	query := `
		INSERT INTO sync_history
			(id, account_id, run_id, mapping_id, local_item_id, external_id,
			 action, status, error, before_snapshot, after_snapshot, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.AccountID, e.RunID, e.MappingID, e.LocalItemID, e.ExternalID,
		e.Action, e.Status, e.Error, before, after, e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, accountID string, f Filter, limit, offset int) ([]*models.SyncHistoryEntry, error) {
	query := `
		SELECT id, account_id, run_id, mapping_id, local_item_id, external_id,
		       action, status, error, before_snapshot, after_snapshot, duration_ms, created_at
		FROM sync_history
		WHERE account_id = $1
		  AND ($2 = '' OR action = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC LIMIT $6 OFFSET $7`

	var from, to any
	if !f.From.IsZero() {
		from = f.From
	}
	if !f.To.IsZero() {
		to = f.To
	}

	rows, err := r.db.QueryContext(ctx, query, accountID, f.Action, f.Status, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to select history: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncHistoryEntry
	for rows.Next() {
		var e models.SyncHistoryEntry
		var before, after sql.NullString
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.RunID, &e.MappingID, &e.LocalItemID, &e.ExternalID,
			&e.Action, &e.Status, &e.Error, &before, &after, &durationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if before.Valid {
			var s models.ItemSnapshot
			if err := json.Unmarshal([]byte(before.String), &s); err != nil {
				return nil, fmt.Errorf("unmarshal before snapshot: %w", err)
			}
			e.Before = &s
		}
		if after.Valid {
			var s models.ItemSnapshot
			if err := json.Unmarshal([]byte(after.String), &s); err != nil {
				return nil, fmt.Errorf("unmarshal after snapshot: %w", err)
			}
			e.After = &s
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Prune applies the two-tier retention policy: clean successes go first,
// failures and conflict entries are kept longer for forensics.
func (r *PostgresRepository) Prune(ctx context.Context, successBefore, failureBefore time.Time) (int64, error) {
	query := `
		DELETE FROM sync_history
		WHERE (status = $1 AND action NOT IN ($2, $3) AND created_at < $4)
		   OR ((status <> $1 OR action IN ($2, $3)) AND created_at < $5);
	`
	res, err := r.db.ExecContext(ctx, query,
		models.HistorySuccess, models.ActionConflictCreated, models.ActionConflictResolved,
		successBefore, failureBefore)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
