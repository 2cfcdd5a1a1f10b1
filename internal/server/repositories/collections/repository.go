package collections

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

// Repository stores read-only projections of the external server's grouping
// concepts. Projections are replaced wholesale each run, never diffed.
type Repository interface {
	ReplaceForAccount(ctx context.Context, accountID string, cols []*models.Collection) error
	ListForAccount(ctx context.Context, accountID string) ([]*models.Collection, error)
}
