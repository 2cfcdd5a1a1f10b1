// Package resolver settles sync conflicts: automatically under an account's
// policy during a run, or on an operator's explicit choice. Every settled
// conflict results in the winning snapshot being written to whichever sides
// differ from it, the mapping advancing to the new base, and exactly one
// audit ledger entry.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/dbx"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/connector"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
	"github.com/opsdesk/vaultsync/internal/server/snapshots"
)

type Service struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	sealer cryptox.Sealer
	logger logging.Logger
}

func NewService(db *sql.DB, repos repomanager.RepositoryManager, sealer cryptox.Sealer, logger logging.Logger) *Service {
	return &Service{db: db, repos: repos, sealer: sealer, logger: logger.With("component", "resolver")}
}

// TryAuto applies the account policy to a freshly recorded conflict during a
// run. Returns false with a nil error when the policy leaves the conflict
// pending for an operator.
func (s *Service) TryAuto(ctx context.Context, conn connector.Connector, policy models.ConflictPolicy, runID string, c *models.Conflict) (bool, error) {
	d, ok := Decide(c, policy)
	if !ok {
		return false, nil
	}
	if err := s.apply(ctx, conn, c, d.Resolution, d.Snapshot, "policy:"+string(policy), runID); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveManual applies an operator's choice to a pending conflict. The
// custom snapshot is required for use_custom and rejected otherwise.
func (s *Service) ResolveManual(ctx context.Context, conn connector.Connector, conflictID, choice string, custom *models.ItemSnapshot, resolvedBy string) (*models.Conflict, error) {
	c, err := s.repos.Conflicts(s.db).Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ConflictPending {
		return nil, fmt.Errorf("%w: conflict %s is already settled", common.ErrorNotFound, conflictID)
	}

	var resolved models.ItemSnapshot
	switch choice {
	case models.ResolutionUseLocal:
		resolved = c.LocalSnapshot
	case models.ResolutionUseRemote:
		resolved = c.RemoteSnapshot
	case models.ResolutionUseCustom:
		if custom == nil {
			return nil, fmt.Errorf("%w: %s requires a snapshot", common.ErrValidation, models.ResolutionUseCustom)
		}
		resolved = *custom
	default:
		return nil, fmt.Errorf("%w: unknown resolution choice %q", common.ErrValidation, choice)
	}

	if err := s.apply(ctx, conn, c, choice, resolved, resolvedBy, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// Ignore settles a conflict without touching either side. The mapping keeps
// its conflict status until a later run or an explicit resolution supersedes
// it.
func (s *Service) Ignore(ctx context.Context, conflictID, resolvedBy string) error {
	c, err := s.repos.Conflicts(s.db).Get(ctx, conflictID)
	if err != nil {
		return err
	}
	now := time.Now()
	c.Status = models.ConflictIgnored
	c.Resolution = "ignored"
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Conflicts(tx).Resolve(ctx, c); err != nil {
			return err
		}
		return s.repos.History(tx).Append(ctx, &models.SyncHistoryEntry{
			AccountID:   c.AccountID,
			MappingID:   c.MappingID,
			LocalItemID: c.LocalItemID,
			ExternalID:  c.ExternalID,
			Action:      models.ActionSkip,
			Status:      models.HistorySuccess,
			Before:      &c.LocalSnapshot,
		})
	})
}

// apply writes the winning snapshot to every side that differs from it,
// advances the mapping's base and revision markers, settles the conflict row
// and appends the single audit entry for the resolution. The remote push
// happens before the local transaction; a push failure leaves the conflict
// pending and retryable.
func (s *Service) apply(ctx context.Context, conn connector.Connector, c *models.Conflict, resolution string, resolved models.ItemSnapshot, resolvedBy, runID string) error {
	started := time.Now()

	m, err := s.mapping(ctx, c)
	if err != nil {
		return fmt.Errorf("load mapping for conflict %s: %w", c.ID, err)
	}

	if isZero(resolved) {
		return s.applyDeletion(ctx, conn, c, m, resolution, resolvedBy, runID, started)
	}

	remoteRev := c.RemoteModifiedAt
	if len(resolved.ChangedFields(c.RemoteSnapshot)) > 0 {
		draft, err := snapshots.ToDraft(ctx, s.sealer, c.ExternalID, resolved)
		if err != nil {
			return fmt.Errorf("open resolved snapshot: %w", err)
		}
		pushed, err := conn.PushItem(ctx, draft)
		if err != nil {
			return fmt.Errorf("push resolution for conflict %s: %w", c.ID, err)
		}
		remoteRev = pushed.RevisionDate
	}

	now := time.Now()
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		item, err := s.repos.Items(tx).Get(ctx, c.LocalItemID)
		if errors.Is(err, common.ErrorNotFound) {
			// Resurrects an item the local side deleted while the remote
			// side kept editing it.
			item = &models.VaultItem{ID: c.LocalItemID}
		} else if err != nil {
			return err
		}
		if len(resolved.ChangedFields(item.Snapshot())) > 0 || item.Deleted {
			snapshots.ApplyToItem(item, resolved)
			item.Deleted = false
			if err := s.repos.Items(tx).Upsert(ctx, item); err != nil {
				return err
			}
		}

		m.Status = models.MappingSynced
		m.LastSyncedLocalRevision = item.Revision
		m.LastSyncedRemoteRevision = remoteRev
		m.BaseSnapshot = resolved
		if err := s.repos.Mappings(tx).Upsert(ctx, m); err != nil {
			return err
		}

		c.Status = models.ConflictResolved
		c.Resolution = resolution
		c.ResolvedSnapshot = &resolved
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = &now
		if err := s.repos.Conflicts(tx).Resolve(ctx, c); err != nil {
			return err
		}

		return s.repos.History(tx).Append(ctx, &models.SyncHistoryEntry{
			AccountID:   c.AccountID,
			RunID:       runID,
			MappingID:   m.ID,
			LocalItemID: c.LocalItemID,
			ExternalID:  c.ExternalID,
			Action:      models.ActionConflictResolved,
			Status:      models.HistorySuccess,
			Before:      &c.LocalSnapshot,
			After:       &resolved,
			Duration:    time.Since(started),
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "conflict resolved",
		"conflict_id", c.ID, "mapping_id", m.ID, "resolution", resolution)
	return nil
}

// applyDeletion handles a resolution whose winner is a deleted side: the
// surviving copies are removed and the mapping is retired.
func (s *Service) applyDeletion(ctx context.Context, conn connector.Connector, c *models.Conflict, m *models.SyncMapping, resolution, resolvedBy, runID string, started time.Time) error {
	if c.ExternalID != "" && !isZero(c.RemoteSnapshot) {
		if err := conn.DeleteItem(ctx, c.ExternalID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("delete remote item for conflict %s: %w", c.ID, err)
		}
	}

	now := time.Now()
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if !isZero(c.LocalSnapshot) {
			if err := s.repos.Items(tx).SoftDelete(ctx, c.LocalItemID); err != nil && !errors.Is(err, common.ErrorNotFound) {
				return err
			}
		}
		if err := s.repos.Mappings(tx).MarkDeleted(ctx, m); err != nil {
			return err
		}

		c.Status = models.ConflictResolved
		c.Resolution = resolution
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = &now
		if err := s.repos.Conflicts(tx).Resolve(ctx, c); err != nil {
			return err
		}

		return s.repos.History(tx).Append(ctx, &models.SyncHistoryEntry{
			AccountID:   c.AccountID,
			RunID:       runID,
			MappingID:   m.ID,
			LocalItemID: c.LocalItemID,
			ExternalID:  c.ExternalID,
			Action:      models.ActionConflictResolved,
			Status:      models.HistorySuccess,
			Before:      &c.LocalSnapshot,
			Duration:    time.Since(started),
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "conflict resolved by deletion",
		"conflict_id", c.ID, "mapping_id", m.ID, "resolution", resolution)
	return nil
}

func (s *Service) mapping(ctx context.Context, c *models.Conflict) (*models.SyncMapping, error) {
	repo := s.repos.Mappings(s.db)
	if c.ExternalID != "" {
		return repo.FindByExternal(ctx, c.AccountID, c.ExternalID)
	}
	return repo.FindByLocal(ctx, c.AccountID, c.LocalItemID)
}

func isZero(s models.ItemSnapshot) bool {
	return s == (models.ItemSnapshot{})
}
