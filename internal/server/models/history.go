package models

import "time"

// History actions, one per item-level step a run takes.
const (
	ActionCreateLocal      = "create_local"
	ActionCreateRemote     = "create_remote"
	ActionUpdateLocal      = "update_local"
	ActionUpdateRemote     = "update_remote"
	ActionDeleteLocal      = "delete_local"
	ActionDeleteRemote     = "delete_remote"
	ActionSkip             = "skip"
	ActionConflictCreated  = "conflict_created"
	ActionConflictResolved = "conflict_resolved"
)

// History outcomes.
const (
	HistorySuccess = "success"
	HistoryFailure = "failure"
)

// SyncHistoryEntry is one immutable row in the append-only audit ledger.
// Rows are never updated; retention pruning removes clean successes earlier
// than failures and conflicts.
type SyncHistoryEntry struct {
	ID          string
	AccountID   string
	RunID       string
	MappingID   string
	LocalItemID string
	ExternalID  string
	Action      string
	Status      string
	Error       string

	// Before/After snapshots for forensic reconstruction and rollback
	// reference. Handles only, never plaintext.
	Before *ItemSnapshot
	After  *ItemSnapshot

	Duration  time.Duration
	CreatedAt time.Time
}
