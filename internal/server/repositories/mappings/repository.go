package mappings

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

// Repository is the mapping store: the single source of truth for "is this
// item synced, and to what".
type Repository interface {
	// Upsert inserts the mapping when it has no ID yet, otherwise updates
	// it guarded by the caller's ResolveVersion. On success the mapping's
	// ID and ResolveVersion reflect the stored row. Returns
	// common.ErrVersionConflict when the guard fails and
	// common.ErrMappingIntegrity when a uniqueness invariant is violated.
	Upsert(ctx context.Context, m *models.SyncMapping) error

	FindByExternal(ctx context.Context, accountID, externalID string) (*models.SyncMapping, error)
	FindByLocal(ctx context.Context, accountID, localItemID string) (*models.SyncMapping, error)

	// ListActive returns all non-deleted mappings for an account.
	ListActive(ctx context.Context, accountID string) ([]*models.SyncMapping, error)

	// MarkDeleted soft-deletes the mapping, bumping its resolve version.
	MarkDeleted(ctx context.Context, m *models.SyncMapping) error

	// ArchiveForAccount soft-deletes every live mapping of an account.
	ArchiveForAccount(ctx context.Context, accountID string) error
}
