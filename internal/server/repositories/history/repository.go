package history

import (
	"context"
	"time"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

// Filter narrows history queries. Zero values mean "no filter".
type Filter struct {
	Action string
	Status string
	From   time.Time
	To     time.Time
}

// Repository is the append-only audit ledger. Entries are never updated;
// the only delete path is age-based retention pruning.
type Repository interface {
	Append(ctx context.Context, e *models.SyncHistoryEntry) error
	List(ctx context.Context, accountID string, f Filter, limit, offset int) ([]*models.SyncHistoryEntry, error)

	// Prune removes clean successes older than successBefore and
	// failure/conflict entries older than failureBefore. Returns the
	// number of rows removed.
	Prune(ctx context.Context, successBefore, failureBefore time.Time) (int64, error)
}
