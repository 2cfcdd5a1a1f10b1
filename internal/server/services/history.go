package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/history"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
)

// HistoryService answers audit queries and owns retention pruning.
type HistoryService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	logger logging.Logger

	successRetention time.Duration
	failureRetention time.Duration
}

func NewHistoryService(db *sql.DB, repos repomanager.RepositoryManager,
	successRetention, failureRetention time.Duration, logger logging.Logger) *HistoryService {
	return &HistoryService{
		db:               db,
		repos:            repos,
		successRetention: successRetention,
		failureRetention: failureRetention,
		logger:           logger.With("component", "history"),
	}
}

func (s *HistoryService) List(ctx context.Context, accountID string, f history.Filter, limit, offset int) ([]*models.SyncHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repos.History(s.db).List(ctx, accountID, f, limit, offset)
}

// PruneHistory applies the two-tier retention policy as of now. Clean
// successes age out first; failures and conflict entries are kept for the
// longer forensic window.
func (s *HistoryService) PruneHistory(ctx context.Context, now time.Time) (int64, error) {
	if s.successRetention <= 0 || s.failureRetention <= 0 {
		return 0, nil
	}
	pruned, err := s.repos.History(s.db).Prune(ctx,
		now.Add(-s.successRetention), now.Add(-s.failureRetention))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.logger.Info(ctx, "history pruned", "rows", pruned)
	}
	return pruned, nil
}
