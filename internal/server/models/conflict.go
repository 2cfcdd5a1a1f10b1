package models

import "time"

// ConflictClassification distinguishes safely mergeable double-changes from
// ones that require a human decision.
type ConflictClassification string

const (
	// ConflictFieldLevel: the two sides changed disjoint field sets.
	ConflictFieldLevel ConflictClassification = "field_level"
	// ConflictWholeItem: overlapping field sets, or an ambiguous tie.
	ConflictWholeItem ConflictClassification = "whole_item"
)

// ConflictStatus lifecycle: pending -> resolved | ignored. Never mutated
// after resolution except to record who resolved it.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// Resolution choices. Auto resolutions record which policy fired; manual
// resolutions record the operator's choice.
const (
	ResolutionUseLocal   = "use_local"
	ResolutionUseRemote  = "use_remote"
	ResolutionUseCustom  = "use_custom"
	ResolutionAutoNewer  = "auto_newer_wins"
	ResolutionAutoLocal  = "auto_local_wins"
	ResolutionAutoRemote = "auto_remote_wins"
)

// Conflict records a detected double-change on one mapping. Both competing
// snapshots are kept so the losing side's edit is always recoverable.
type Conflict struct {
	ID             string
	MappingID      string
	AccountID      string
	LocalItemID    string
	ExternalID     string
	Classification ConflictClassification
	Status         ConflictStatus

	LocalSnapshot    ItemSnapshot
	RemoteSnapshot   ItemSnapshot
	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time

	// LocalChangedFields / RemoteChangedFields are each side's edits
	// relative to the mapping's base snapshot.
	LocalChangedFields  []string
	RemoteChangedFields []string

	Resolution       string
	ResolvedSnapshot *ItemSnapshot
	ResolvedBy       string
	ResolvedAt       *time.Time

	CreatedAt time.Time
}
