// Package services implements the application layer between the control API
// and the repositories: account administration, conflict review, history
// queries and bulk export/import jobs.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
)

// AccountInput carries the administrator-editable account fields. The client
// secret arrives in plaintext exactly once and is sealed before storage.
type AccountInput struct {
	Name              string
	ServerURL         string
	OrganizationID    string
	ClientID          string
	ClientSecret      string
	CollectionFilter  []string
	Direction         models.SyncDirection
	Policy            models.ConflictPolicy
	SyncIntervalHours int
	RequireMFAToSync  bool
}

type AccountService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	sealer cryptox.Sealer
	logger logging.Logger
}

func NewAccountService(db *sql.DB, repos repomanager.RepositoryManager, sealer cryptox.Sealer, logger logging.Logger) *AccountService {
	return &AccountService{db: db, repos: repos, sealer: sealer, logger: logger.With("component", "accounts")}
}

func (s *AccountService) Create(ctx context.Context, in AccountInput) (*models.VaultServerAccount, error) {
	if err := validateInput(in, true); err != nil {
		return nil, err
	}

	handle, err := s.sealer.Seal(ctx, []byte(in.ClientSecret))
	if err != nil {
		return nil, fmt.Errorf("seal client secret: %w", err)
	}

	a := &models.VaultServerAccount{
		Name:               in.Name,
		ServerURL:          strings.TrimRight(in.ServerURL, "/"),
		OrganizationID:     in.OrganizationID,
		ClientID:           in.ClientID,
		ClientSecretHandle: handle,
		CollectionFilter:   in.CollectionFilter,
		Direction:          directionOrDefault(in.Direction),
		Policy:             policyOrDefault(in.Policy),
		SyncIntervalHours:  in.SyncIntervalHours,
		RequireMFAToSync:   in.RequireMFAToSync,
	}
	if err := s.repos.Accounts(s.db).Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "account created", "account_id", a.ID, "name", a.Name)
	return a, nil
}

// Update rewrites the account's configuration. An empty ClientSecret keeps
// the stored handle; a non-empty one is sealed and replaces it.
func (s *AccountService) Update(ctx context.Context, id string, in AccountInput) (*models.VaultServerAccount, error) {
	if err := validateInput(in, false); err != nil {
		return nil, err
	}

	a, err := s.repos.Accounts(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Name = in.Name
	a.ServerURL = strings.TrimRight(in.ServerURL, "/")
	a.OrganizationID = in.OrganizationID
	a.ClientID = in.ClientID
	a.CollectionFilter = in.CollectionFilter
	a.Direction = directionOrDefault(in.Direction)
	a.Policy = policyOrDefault(in.Policy)
	a.SyncIntervalHours = in.SyncIntervalHours
	a.RequireMFAToSync = in.RequireMFAToSync

	if in.ClientSecret != "" {
		handle, err := s.sealer.Seal(ctx, []byte(in.ClientSecret))
		if err != nil {
			return nil, fmt.Errorf("seal client secret: %w", err)
		}
		a.ClientSecretHandle = handle
	}

	if err := s.repos.Accounts(s.db).Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AccountService) Get(ctx context.Context, id string) (*models.VaultServerAccount, error) {
	return s.repos.Accounts(s.db).Get(ctx, id)
}

func (s *AccountService) List(ctx context.Context) ([]*models.VaultServerAccount, error) {
	return s.repos.Accounts(s.db).List(ctx, false)
}

// Archive soft-deletes the account and cascade-archives its live mappings in
// the same transaction, so no mapping can outlive its account.
func (s *AccountService) Archive(ctx context.Context, id string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Accounts(tx).Archive(ctx, id); err != nil {
			return err
		}
		return s.repos.Mappings(tx).ArchiveForAccount(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "account archived", "account_id", id)
	return nil
}

// Runs returns the account's most recent run records.
func (s *AccountService) Runs(ctx context.Context, accountID string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repos.Runs(s.db).ListForAccount(ctx, accountID, limit)
}

func validateInput(in AccountInput, secretRequired bool) error {
	switch {
	case in.Name == "":
		return fmt.Errorf("%w: account name is required", common.ErrValidation)
	case in.ServerURL == "" || !strings.HasPrefix(in.ServerURL, "http"):
		return fmt.Errorf("%w: server_url must be an http(s) URL", common.ErrValidation)
	case in.ClientID == "":
		return fmt.Errorf("%w: client_id is required", common.ErrValidation)
	case secretRequired && in.ClientSecret == "":
		return fmt.Errorf("%w: client_secret is required", common.ErrValidation)
	case in.SyncIntervalHours < 0:
		return fmt.Errorf("%w: sync_interval_hours must not be negative", common.ErrValidation)
	}
	switch in.Direction {
	case "", models.DirectionPull, models.DirectionPush, models.DirectionBidirectional:
	default:
		return fmt.Errorf("%w: unknown direction %q", common.ErrValidation, in.Direction)
	}
	switch in.Policy {
	case "", models.PolicyManual, models.PolicyLocalWins, models.PolicyRemoteWins, models.PolicyNewerWins:
	default:
		return fmt.Errorf("%w: unknown conflict policy %q", common.ErrValidation, in.Policy)
	}
	return nil
}

func directionOrDefault(d models.SyncDirection) models.SyncDirection {
	if d == "" {
		return models.DirectionBidirectional
	}
	return d
}

func policyOrDefault(p models.ConflictPolicy) models.ConflictPolicy {
	if p == "" {
		return models.PolicyManual
	}
	return p
}
