package accounts

import (
	"context"
	"time"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, a *models.VaultServerAccount) error
	Update(ctx context.Context, a *models.VaultServerAccount) error
	Get(ctx context.Context, id string) (*models.VaultServerAccount, error)
	List(ctx context.Context, includeArchived bool) ([]*models.VaultServerAccount, error)

	// SetRunStatus records the orchestrator-owned fields after a run.
	SetRunStatus(ctx context.Context, id, status, lastError string, lastSync time.Time) error

	// Archive soft-deletes the account; callers are responsible for
	// cascade-archiving its mappings in the same transaction.
	Archive(ctx context.Context, id string) error
}
