// Package orchestrator drives sync runs: it walks both sides of an account,
// classifies every item through the observer and applies the resulting
// deltas through the connector and the repositories. Runs for one account
// are serialized; item failures are recorded and skipped so a single bad
// item never aborts the run.
package orchestrator

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
	"github.com/opsdesk/vaultsync/internal/server/observer"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
	"github.com/opsdesk/vaultsync/internal/server/resolver"
	"github.com/opsdesk/vaultsync/internal/server/snapshots"
)

// ConnectorFactory opens a connector for one account. The orchestrator
// treats connectors as per-run disposables so credential rotation takes
// effect on the next run.
type ConnectorFactory func(ctx context.Context, account *models.VaultServerAccount) (connector.Connector, error)

// NewConnectorFactory builds connectors by unsealing the account's client
// secret at call time.
func NewConnectorFactory(sealer cryptox.Sealer, callTimeout time.Duration, logger logging.Logger) ConnectorFactory {
	return func(ctx context.Context, a *models.VaultServerAccount) (connector.Connector, error) {
		secret, err := sealer.Open(ctx, a.ClientSecretHandle)
		if err != nil {
			return nil, fmt.Errorf("unseal client secret: %w", err)
		}
		defer common.WipeByteArray(secret)
		return connector.NewClient(connector.Config{
			BaseURL:        a.ServerURL,
			ClientID:       a.ClientID,
			ClientSecret:   string(secret),
			OrganizationID: a.OrganizationID,
			CallTimeout:    callTimeout,
		}, logger), nil
	}
}

type Config struct {
	ConnectorTimeout time.Duration

	// Retention windows for the two history tiers. Zero disables the
	// opportunistic prune after runs.
	SuccessRetention time.Duration
	FailureRetention time.Duration
}

type Orchestrator struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	sealer   cryptox.Sealer
	resolver *resolver.Service
	connect  ConnectorFactory
	lock     *RunLock
	cfg      Config
	logger   logging.Logger

	// Notify, when set, receives progress events for the live stream.
	Notify func(Event)
}

func New(db *sql.DB, repos repomanager.RepositoryManager, sealer cryptox.Sealer,
	res *resolver.Service, connect ConnectorFactory, cfg Config, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		repos:    repos,
		sealer:   sealer,
		resolver: res,
		connect:  connect,
		lock:     NewRunLock(),
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// unit is one reconciliation work item: a mapping with whatever still exists
// on each side, or an unmapped item on exactly one side.
type unit struct {
	mapping *models.SyncMapping
	local   *models.VaultItem
	remote  *connector.RemoteItem
}

// RunAccount executes one sync run for the account and returns its durable
// record. A concurrent run for the same account is rejected with
// common.ErrRunInProgress rather than queued.
func (o *Orchestrator) RunAccount(ctx context.Context, accountID, trigger string) (*models.SyncRun, error) {
	if err := o.lock.Acquire(accountID); err != nil {
		return nil, err
	}
	defer o.lock.Release(accountID)

	account, err := o.repos.Accounts(o.db).Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Archived {
		return nil, fmt.Errorf("%w: account %s is archived", common.ErrValidation, accountID)
	}

	run := &models.SyncRun{AccountID: accountID, State: models.RunStateRunning, StartedAt: time.Now()}
	if err := o.repos.Runs(o.db).Create(ctx, run); err != nil {
		return nil, err
	}

	log := o.logger.With("account_id", accountID, "run_id", run.ID, "trigger", trigger)
	log.Info(ctx, "sync run started")
	o.notify(Event{Type: EventRunStarted, AccountID: accountID, RunID: run.ID, State: models.RunStateRunning})

	runErr := o.execute(ctx, log, account, run)

	// Finalization must survive the cancellation that may have ended the run.
	o.finish(context.WithoutCancel(ctx), log, account, run, runErr)
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, log logging.Logger, account *models.VaultServerAccount, run *models.SyncRun) error {
	conn, err := o.connect(ctx, account)
	if err != nil {
		return err
	}
	if err := conn.Authenticate(ctx); err != nil {
		return err
	}

	if err := o.refreshCollections(ctx, conn, account); err != nil {
		return err
	}

	units, err := o.gather(ctx, conn, account)
	if err != nil {
		return err
	}

	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", common.ErrRunCancelled, err)
		}
		run.ItemsProcessed++
		if err := o.syncUnit(ctx, conn, account, run, u); err != nil {
			if isFatal(err) {
				return err
			}
			run.Failed++
			log.Error(ctx, "item sync failed",
				"local_item_id", localID(u), "external_id", externalID(u), "error", err)
			o.recordFailure(ctx, run, u, err)
		}
	}
	return nil
}

// refreshCollections replaces the account's collection projections wholesale.
func (o *Orchestrator) refreshCollections(ctx context.Context, conn connector.Connector, account *models.VaultServerAccount) error {
	cols, err := conn.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	now := time.Now()
	stored := make([]*models.Collection, 0, len(cols))
	for _, c := range cols {
		stored = append(stored, &models.Collection{
			AccountID:      account.ID,
			ExternalID:     c.ID,
			Name:           c.Name,
			OrganizationID: c.OrganizationID,
			RefreshedAt:    now,
		})
	}
	return dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return o.repos.Collections(tx).ReplaceForAccount(ctx, account.ID, stored)
	})
}

// gather builds the reconciliation work set: every active mapping joined
// with the current state of both sides, plus unmapped items on either side.
func (o *Orchestrator) gather(ctx context.Context, conn connector.Connector, account *models.VaultServerAccount) ([]unit, error) {
	remote := make(map[string]*connector.RemoteItem)
	it := conn.ListItems(ctx, account.CollectionFilter)
	for {
		page, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		for i := range page {
			r := page[i]
			remote[r.ID] = &r
		}
	}

	locals, err := o.repos.Items(o.db).List(ctx, true)
	if err != nil {
		return nil, err
	}
	localByID := make(map[string]*models.VaultItem, len(locals))
	for _, l := range locals {
		localByID[l.ID] = l
	}

	maps, err := o.repos.Mappings(o.db).ListActive(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	var units []unit
	seenLocal := make(map[string]bool, len(maps))
	seenRemote := make(map[string]bool, len(maps))
	for _, m := range maps {
		units = append(units, unit{mapping: m, local: localByID[m.LocalItemID], remote: remote[m.ExternalID]})
		seenLocal[m.LocalItemID] = true
		seenRemote[m.ExternalID] = true
	}
	for _, l := range locals {
		if !seenLocal[l.ID] && !l.Deleted {
			units = append(units, unit{local: l})
		}
	}
	for id, r := range remote {
		if !seenRemote[id] {
			units = append(units, unit{remote: r})
		}
	}
	return units, nil
}

// syncUnit classifies one unit and applies its delta. Exactly one run
// counter is advanced on every non-error path; the caller counts failures.
func (o *Orchestrator) syncUnit(ctx context.Context, conn connector.Connector, account *models.VaultServerAccount, run *models.SyncRun, u unit) error {
	started := time.Now()

	// With a collection filter the listing is incomplete: a mapped item
	// missing from it may simply live outside the filter. Absence becomes a
	// remote deletion only after a targeted pull confirms the item is gone.
	if u.mapping != nil && u.remote == nil && len(account.CollectionFilter) > 0 {
		r, err := conn.PullItem(ctx, u.mapping.ExternalID)
		switch {
		case errors.Is(err, common.ErrorNotFound):
		case err != nil:
			return err
		default:
			u.remote = r
		}
	}

	in := observer.Input{Mapping: u.mapping, Local: u.local, Remote: u.remote}
	if u.local != nil {
		in.LocalSnapshot = u.local.Snapshot()
	}
	if u.remote != nil {
		snap, err := snapshots.FromRemote(ctx, o.sealer, u.remote)
		if err != nil {
			return err
		}
		in.RemoteSnapshot = snap
	}
	delta := observer.Classify(in)

	if !allowed(delta.Kind, account.Direction) {
		run.Skipped++
		return nil
	}

	switch delta.Kind {
	case observer.DeltaNone:
		run.Skipped++
		return nil

	case observer.DeltaRetire:
		if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return o.repos.Mappings(tx).MarkDeleted(ctx, u.mapping)
		}); err != nil {
			return err
		}
		run.Skipped++
		return nil

	case observer.DeltaPush:
		return o.applyPush(ctx, conn, run, u, delta, started)

	case observer.DeltaPull:
		return o.applyPull(ctx, run, u, delta, started)

	case observer.DeltaCreateRemote:
		return o.applyCreateRemote(ctx, conn, account, run, u, delta, started)

	case observer.DeltaCreateLocal:
		return o.applyCreateLocal(ctx, account, run, u, delta, started)

	case observer.DeltaDeleteLocal:
		return o.applyDeleteLocal(ctx, run, u, started)

	case observer.DeltaDeleteRemote:
		return o.applyDeleteRemote(ctx, conn, run, u, started)

	case observer.DeltaConflict:
		return o.applyConflict(ctx, conn, account, run, u, delta, started)
	}
	return nil
}

func (o *Orchestrator) applyPush(ctx context.Context, conn connector.Connector, run *models.SyncRun, u unit, delta observer.Delta, started time.Time) error {
	draft, err := snapshots.ToDraft(ctx, o.sealer, u.mapping.ExternalID, delta.LocalSnapshot)
	if err != nil {
		return err
	}
	pushed, err := conn.PushItem(ctx, draft)
	if err != nil {
		return err
	}

	m := u.mapping
	before := m.BaseSnapshot
	m.Status = models.MappingSynced
	m.LastSyncedLocalRevision = u.local.Revision
	m.LastSyncedRemoteRevision = pushed.RevisionDate
	m.BaseSnapshot = delta.LocalSnapshot

	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Mappings(tx).Upsert(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionUpdateRemote, &before, &m.BaseSnapshot, started))
	}); err != nil {
		return err
	}
	run.Succeeded++
	return nil
}

func (o *Orchestrator) applyPull(ctx context.Context, run *models.SyncRun, u unit, delta observer.Delta, started time.Time) error {
	item := u.local
	before := item.Snapshot()
	snapshots.ApplyToItem(item, delta.RemoteSnapshot)

	m := u.mapping
	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Items(tx).Upsert(ctx, item); err != nil {
			return err
		}
		m.Status = models.MappingSynced
		m.LastSyncedLocalRevision = item.Revision
		m.LastSyncedRemoteRevision = u.remote.RevisionDate
		m.BaseSnapshot = delta.RemoteSnapshot
		if err := o.repos.Mappings(tx).Upsert(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionUpdateLocal, &before, &m.BaseSnapshot, started))
	}); err != nil {
		return err
	}
	run.Succeeded++
	return nil
}

func (o *Orchestrator) applyCreateRemote(ctx context.Context, conn connector.Connector, account *models.VaultServerAccount, run *models.SyncRun, u unit, delta observer.Delta, started time.Time) error {
	draft, err := snapshots.ToDraft(ctx, o.sealer, "", delta.LocalSnapshot)
	if err != nil {
		return err
	}
	pushed, err := conn.PushItem(ctx, draft)
	if err != nil {
		return err
	}

	m := &models.SyncMapping{
		AccountID:                account.ID,
		LocalItemID:              u.local.ID,
		ExternalID:               pushed.ID,
		Status:                   models.MappingSynced,
		LastSyncedLocalRevision:  u.local.Revision,
		LastSyncedRemoteRevision: pushed.RevisionDate,
		BaseSnapshot:             delta.LocalSnapshot,
	}
	u.mapping = m

	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Mappings(tx).Upsert(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionCreateRemote, nil, &m.BaseSnapshot, started))
	}); err != nil {
		return err
	}
	run.Succeeded++
	return nil
}

func (o *Orchestrator) applyCreateLocal(ctx context.Context, account *models.VaultServerAccount, run *models.SyncRun, u unit, delta observer.Delta, started time.Time) error {
	item := &models.VaultItem{}
	snapshots.ApplyToItem(item, delta.RemoteSnapshot)

	m := &models.SyncMapping{
		AccountID:                account.ID,
		ExternalID:               u.remote.ID,
		Status:                   models.MappingSynced,
		LastSyncedRemoteRevision: u.remote.RevisionDate,
		BaseSnapshot:             delta.RemoteSnapshot,
	}

	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Items(tx).Upsert(ctx, item); err != nil {
			return err
		}
		m.LocalItemID = item.ID
		m.LastSyncedLocalRevision = item.Revision
		u.mapping = m
		if err := o.repos.Mappings(tx).Upsert(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionCreateLocal, nil, &m.BaseSnapshot, started))
	}); err != nil {
		return err
	}
	run.Succeeded++
	return nil
}

func (o *Orchestrator) applyDeleteLocal(ctx context.Context, run *models.SyncRun, u unit, started time.Time) error {
	m := u.mapping
	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Items(tx).SoftDelete(ctx, m.LocalItemID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}
		if err := o.repos.Mappings(tx).MarkDeleted(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionDeleteLocal, &m.BaseSnapshot, nil, started))
	}); err != nil {
		return err
	}
	run.Succeeded++
	return nil
}

func (o *Orchestrator) applyDeleteRemote(ctx context.Context, conn connector.Connector, run *models.SyncRun, u unit, started time.Time) error {
	m := u.mapping
	if err := conn.DeleteItem(ctx, m.ExternalID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return err
	}
	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Mappings(tx).MarkDeleted(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionDeleteRemote, &m.BaseSnapshot, nil, started))
	}); err != nil {
		return err
	}
	run.Succeeded++
	return nil
}

// applyConflict records the conflict, flags the mapping and then gives the
// account policy one chance to settle it. A policy that declines, or a
// non-fatal resolution failure, leaves the conflict pending for an operator.
func (o *Orchestrator) applyConflict(ctx context.Context, conn connector.Connector, account *models.VaultServerAccount, run *models.SyncRun, u unit, delta observer.Delta, started time.Time) error {
	m := u.mapping
	c := &models.Conflict{
		MappingID:           m.ID,
		AccountID:           account.ID,
		LocalItemID:         m.LocalItemID,
		ExternalID:          m.ExternalID,
		Classification:      delta.Classification,
		LocalSnapshot:       delta.LocalSnapshot,
		RemoteSnapshot:      delta.RemoteSnapshot,
		LocalChangedFields:  delta.LocalChangedFields,
		RemoteChangedFields: delta.RemoteChangedFields,
	}
	if u.local != nil {
		c.LocalModifiedAt = u.local.UpdatedAt
	}
	if u.remote != nil {
		c.RemoteModifiedAt = u.remote.RevisionDate
	}

	if err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := o.repos.Conflicts(tx).Create(ctx, c); err != nil {
			return err
		}
		m.Status = models.MappingConflict
		if err := o.repos.Mappings(tx).Upsert(ctx, m); err != nil {
			return err
		}
		return o.repos.History(tx).Append(ctx, o.entry(run, u, models.ActionConflictCreated, &delta.LocalSnapshot, &delta.RemoteSnapshot, started))
	}); err != nil {
		return err
	}
	run.Conflicts++
	o.notify(Event{Type: EventConflictDetected, AccountID: account.ID, RunID: run.ID})

	resolved, err := o.resolver.TryAuto(ctx, conn, account.Policy, run.ID, c)
	if err != nil {
		if isFatal(err) {
			return err
		}
		o.logger.Warn(ctx, "auto-resolution failed, conflict stays pending",
			"conflict_id", c.ID, "error", err)
		return nil
	}
	if resolved {
		o.logger.Info(ctx, "conflict auto-resolved", "conflict_id", c.ID, "policy", account.Policy)
	}
	return nil
}

func (o *Orchestrator) entry(run *models.SyncRun, u unit, action string, before, after *models.ItemSnapshot, started time.Time) *models.SyncHistoryEntry {
	e := &models.SyncHistoryEntry{
		AccountID:   run.AccountID,
		RunID:       run.ID,
		LocalItemID: localID(u),
		ExternalID:  externalID(u),
		Action:      action,
		Status:      models.HistorySuccess,
		Before:      before,
		After:       after,
		Duration:    time.Since(started),
	}
	if u.mapping != nil {
		e.MappingID = u.mapping.ID
	}
	return e
}

// recordFailure appends the item's failure to the ledger. A ledger write
// failure is logged and swallowed so it cannot mask the original error.
func (o *Orchestrator) recordFailure(ctx context.Context, run *models.SyncRun, u unit, itemErr error) {
	e := &models.SyncHistoryEntry{
		AccountID:   run.AccountID,
		RunID:       run.ID,
		LocalItemID: localID(u),
		ExternalID:  externalID(u),
		Action:      models.ActionSkip,
		Status:      models.HistoryFailure,
		Error:       itemErr.Error(),
	}
	if u.mapping != nil {
		e.MappingID = u.mapping.ID
	}
	if err := o.repos.History(o.db).Append(ctx, e); err != nil {
		o.logger.Error(ctx, "failed to record item failure", "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, log logging.Logger, account *models.VaultServerAccount, run *models.SyncRun, runErr error) {
	now := time.Now()
	run.FinishedAt = &now

	if runErr != nil {
		run.State = models.RunStateFailed
		run.Error = runErr.Error()
	} else {
		pending, err := o.repos.Conflicts(o.db).CountPending(ctx, account.ID)
		if err != nil {
			log.Error(ctx, "failed to count pending conflicts", "error", err)
			pending = run.Conflicts
		}
		if pending > 0 {
			run.State = models.RunStateCompletedWithConflicts
		} else {
			run.State = models.RunStateCompleted
		}
	}

	if err := o.repos.Runs(o.db).Finish(ctx, run); err != nil {
		log.Error(ctx, "failed to finalize run record", "error", err)
	}
	if err := o.repos.Accounts(o.db).SetRunStatus(ctx, account.ID, run.State, run.Error, now); err != nil {
		log.Error(ctx, "failed to update account run status", "error", err)
	}

	if o.cfg.SuccessRetention > 0 && o.cfg.FailureRetention > 0 {
		pruned, err := o.repos.History(o.db).Prune(ctx,
			now.Add(-o.cfg.SuccessRetention), now.Add(-o.cfg.FailureRetention))
		if err != nil {
			log.Error(ctx, "history prune failed", "error", err)
		} else if pruned > 0 {
			log.Info(ctx, "history pruned", "rows", pruned)
		}
	}

	log.Info(ctx, "sync run finished",
		"state", run.State,
		"processed", run.ItemsProcessed,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"skipped", run.Skipped,
		"conflicts", run.Conflicts)
	o.notify(Event{
		Type:      EventRunFinished,
		AccountID: account.ID,
		RunID:     run.ID,
		State:     run.State,
		Processed: run.ItemsProcessed,
		Conflicts: run.Conflicts,
	})
}

func (o *Orchestrator) notify(e Event) {
	if o.Notify == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	o.Notify(e)
}

// allowed filters deltas by the account's configured direction. Conflict
// detection and mapping retirement are direction-independent.
func allowed(kind observer.DeltaKind, d models.SyncDirection) bool {
	switch kind {
	case observer.DeltaPush, observer.DeltaCreateRemote, observer.DeltaDeleteRemote:
		return d.Pushes()
	case observer.DeltaPull, observer.DeltaCreateLocal, observer.DeltaDeleteLocal:
		return d.Pulls()
	default:
		return true
	}
}

// isFatal reports whether an item-level error must abort the whole run.
// Session-level failures would fail every remaining item anyway.
func isFatal(err error) bool {
	return errors.Is(err, common.ErrAuth) ||
		errors.Is(err, common.ErrConnector) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func localID(u unit) string {
	if u.mapping != nil {
		return u.mapping.LocalItemID
	}
	if u.local != nil {
		return u.local.ID
	}
	return ""
}

func externalID(u unit) string {
	if u.mapping != nil {
		return u.mapping.ExternalID
	}
	if u.remote != nil {
		return u.remote.ID
	}
	return ""
}
