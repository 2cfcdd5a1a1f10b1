// Package observer detects, for each mapped item, whether the local copy,
// the remote copy, both, or neither changed since the last successful sync.
// It is pure in-memory classification: the orchestrator feeds it current
// state, it emits a delta, and all I/O stays with the caller. Change
// detection is a pull-based step of the run, not a side effect of local
// writes, so the engine has no hidden coupling to other write paths.
package observer

import (
	"github.com/opsdesk/vaultsync/internal/server/connector"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

// DeltaKind is the action a classified item requires.
type DeltaKind string

const (
	// DeltaNone: neither side changed, mapping untouched.
	DeltaNone DeltaKind = "none"
	// DeltaPush: only the local side changed.
	DeltaPush DeltaKind = "push"
	// DeltaPull: only the remote side changed.
	DeltaPull DeltaKind = "pull"
	// DeltaCreateLocal: remote item with no mapping yet.
	DeltaCreateLocal DeltaKind = "create_local"
	// DeltaCreateRemote: local item with no mapping yet.
	DeltaCreateRemote DeltaKind = "create_remote"
	// DeltaDeleteLocal: remote deletion propagates to the local store.
	DeltaDeleteLocal DeltaKind = "delete_local"
	// DeltaDeleteRemote: local deletion propagates to the remote store.
	DeltaDeleteRemote DeltaKind = "delete_remote"
	// DeltaRetire: both sides are gone; only the mapping is tombstoned.
	DeltaRetire DeltaKind = "retire"
	// DeltaConflict: both sides changed since the last sync.
	DeltaConflict DeltaKind = "conflict"
)

// Input is the full state the observer sees for one item. Snapshots are the
// sealed projections of the two sides; Remote/Local are nil when the item is
// absent on that side.
type Input struct {
	Mapping *models.SyncMapping

	Local         *models.VaultItem
	LocalSnapshot models.ItemSnapshot

	Remote         *connector.RemoteItem
	RemoteSnapshot models.ItemSnapshot
}

// Delta is the observer's verdict for one item.
type Delta struct {
	Kind    DeltaKind
	Mapping *models.SyncMapping
	Local   *models.VaultItem
	Remote  *connector.RemoteItem

	LocalSnapshot  models.ItemSnapshot
	RemoteSnapshot models.ItemSnapshot

	// Populated for DeltaConflict only.
	Classification      models.ConflictClassification
	LocalChangedFields  []string
	RemoteChangedFields []string
}

// Classify runs the per-item algorithm once. For unmapped items it emits a
// create delta toward the side that lacks the item; for mapped items it
// compares each side's own revision marker against the mapping, since the
// two systems do not share a clock.
func Classify(in Input) Delta {
	d := Delta{
		Mapping:        in.Mapping,
		Local:          in.Local,
		Remote:         in.Remote,
		LocalSnapshot:  in.LocalSnapshot,
		RemoteSnapshot: in.RemoteSnapshot,
	}

	if in.Mapping == nil {
		switch {
		case in.Remote != nil && !in.Remote.Deleted:
			d.Kind = DeltaCreateLocal
		case in.Local != nil && !in.Local.Deleted:
			d.Kind = DeltaCreateRemote
		default:
			d.Kind = DeltaNone
		}
		return d
	}

	localGone := in.Local == nil || in.Local.Deleted
	remoteGone := in.Remote == nil || in.Remote.Deleted

	localChanged := in.Local != nil && in.Local.Revision > in.Mapping.LastSyncedLocalRevision
	remoteChanged := in.Remote != nil && in.Remote.RevisionDate.After(in.Mapping.LastSyncedRemoteRevision)

	switch {
	case localGone && remoteGone:
		d.Kind = DeltaRetire
	case remoteGone:
		if localChanged {
			// A deletion racing an edit is never merged silently.
			return conflict(d, in)
		}
		d.Kind = DeltaDeleteLocal
	case localGone:
		if remoteChanged {
			return conflict(d, in)
		}
		d.Kind = DeltaDeleteRemote
	case !localChanged && !remoteChanged:
		d.Kind = DeltaNone
	case localChanged && !remoteChanged:
		d.Kind = DeltaPush
	case remoteChanged && !localChanged:
		d.Kind = DeltaPull
	default:
		return conflict(d, in)
	}
	return d
}

func conflict(d Delta, in Input) Delta {
	d.Kind = DeltaConflict
	d.LocalChangedFields = in.LocalSnapshot.ChangedFields(in.Mapping.BaseSnapshot)
	d.RemoteChangedFields = in.RemoteSnapshot.ChangedFields(in.Mapping.BaseSnapshot)
	d.Classification = classify(d, in)
	return d
}

// classify labels a double-change. Field-level requires genuinely disjoint
// edits on both sides; a deletion race, an identical-timestamp tie or an
// empty field set on either side falls back to whole-item, which is the
// deliberate safety bias: never silently prefer one side.
func classify(d Delta, in Input) models.ConflictClassification {
	if in.Local == nil || in.Remote == nil || in.Local.Deleted || in.Remote.Deleted {
		return models.ConflictWholeItem
	}
	if in.Local.UpdatedAt.Equal(in.Remote.RevisionDate) {
		return models.ConflictWholeItem
	}
	if len(d.LocalChangedFields) == 0 || len(d.RemoteChangedFields) == 0 {
		return models.ConflictWholeItem
	}
	if !disjoint(d.LocalChangedFields, d.RemoteChangedFields) {
		return models.ConflictWholeItem
	}
	return models.ConflictFieldLevel
}

func disjoint(a, b []string) bool {
	seen := make(map[string]struct{}, len(a))
	for _, f := range a {
		seen[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := seen[f]; ok {
			return false
		}
	}
	return true
}
