package runs

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, run *models.SyncRun) error

	// Finish writes the terminal state and counters of a run.
	Finish(ctx context.Context, run *models.SyncRun) error

	Get(ctx context.Context, id string) (*models.SyncRun, error)
	ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.SyncRun, error)
}
