package conflicts

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, c *models.Conflict) error
	Get(ctx context.Context, id string) (*models.Conflict, error)

	// List returns conflicts for an account filtered by status (empty
	// status means all), newest first, paginated.
	List(ctx context.Context, accountID string, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error)

	// Resolve records the outcome on a still-pending conflict. Returns
	// common.ErrorNotFound if the conflict is missing or already settled.
	Resolve(ctx context.Context, c *models.Conflict) error

	// CountPending reports open conflicts for an account.
	CountPending(ctx context.Context, accountID string) (int, error)
}
