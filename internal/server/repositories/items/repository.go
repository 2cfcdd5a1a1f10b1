package items

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

// Repository is the engine's data-access surface for locally stored vault
// items. Other platform subsystems write the same rows through their own
// ordinary data access; the engine only needs get/list/upsert/tombstone.
type Repository interface {
	Get(ctx context.Context, id string) (*models.VaultItem, error)
	List(ctx context.Context, includeDeleted bool) ([]*models.VaultItem, error)

	// Upsert inserts or updates the item, bumping its revision counter.
	// The stored revision is written back into item.Revision.
	Upsert(ctx context.Context, item *models.VaultItem) error

	// SoftDelete tombstones the item and bumps its revision.
	SoftDelete(ctx context.Context, id string) error
}
