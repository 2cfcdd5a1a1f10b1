package services

import (
	"context"
	"database/sql"

	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/orchestrator"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
	"github.com/opsdesk/vaultsync/internal/server/resolver"
)

// ConflictService exposes conflict review and resolution to the control API.
// Resolution opens a fresh connector for the account because manual
// resolutions happen outside any run.
type ConflictService struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	resolver *resolver.Service
	connect  orchestrator.ConnectorFactory
	logger   logging.Logger
}

func NewConflictService(db *sql.DB, repos repomanager.RepositoryManager, res *resolver.Service,
	connect orchestrator.ConnectorFactory, logger logging.Logger) *ConflictService {
	return &ConflictService{
		db:       db,
		repos:    repos,
		resolver: res,
		connect:  connect,
		logger:   logger.With("component", "conflicts"),
	}
}

// List returns an account's conflicts, pending ones by default.
func (s *ConflictService) List(ctx context.Context, accountID string, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error) {
	if status == "" {
		status = models.ConflictPending
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repos.Conflicts(s.db).List(ctx, accountID, status, limit, offset)
}

func (s *ConflictService) Get(ctx context.Context, id string) (*models.Conflict, error) {
	return s.repos.Conflicts(s.db).Get(ctx, id)
}

// Resolve applies an operator's choice to a pending conflict.
func (s *ConflictService) Resolve(ctx context.Context, conflictID, choice string, custom *models.ItemSnapshot, resolvedBy string) (*models.Conflict, error) {
	c, err := s.repos.Conflicts(s.db).Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	account, err := s.repos.Accounts(s.db).Get(ctx, c.AccountID)
	if err != nil {
		return nil, err
	}
	conn, err := s.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.resolver.ResolveManual(ctx, conn, conflictID, choice, custom, resolvedBy)
}

// Ignore settles a conflict without writing either side.
func (s *ConflictService) Ignore(ctx context.Context, conflictID, resolvedBy string) error {
	return s.resolver.Ignore(ctx, conflictID, resolvedBy)
}
