package models

import "time"

// MappingStatus is the sync state of one local/external correspondence.
type MappingStatus string

const (
	MappingPending  MappingStatus = "pending"
	MappingSynced   MappingStatus = "synced"
	MappingConflict MappingStatus = "conflict"
	MappingError    MappingStatus = "error"
	MappingDeleted  MappingStatus = "deleted"
)

// SyncMapping is the single durable correspondence between a local item and
// an external item on one server account.
//
// Invariants (enforced by partial unique indexes in storage):
//   - at most one non-deleted mapping per (account_id, external_id)
//   - at most one non-deleted mapping per (account_id, local_item_id)
//
// ResolveVersion increments on every successful write and is used as an
// optimistic-concurrency guard against concurrent writers.
type SyncMapping struct {
	ID             string
	AccountID      string
	LocalItemID    string
	ExternalID     string
	Status         MappingStatus
	ResolveVersion int64

	// LastSyncedLocalRevision is the local item's revision counter at the
	// last successful sync; LastSyncedRemoteRevision is the external
	// server's revision date at that moment. Clocks are not shared between
	// the two systems, so each side is tracked in its own terms.
	LastSyncedLocalRevision  int64
	LastSyncedRemoteRevision time.Time

	// BaseSnapshot is the item state as of the last successful sync, used
	// as the three-way merge base when both sides changed.
	BaseSnapshot ItemSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}
