// Package models defines the persisted entities of the vault sync engine.
package models

import (
	"time"

	"github.com/opsdesk/vaultsync/internal/cryptox"
)

// SyncDirection controls which way deltas may flow for an account.
type SyncDirection string

const (
	DirectionPull          SyncDirection = "pull"
	DirectionPush          SyncDirection = "push"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// Pulls reports whether the direction allows remote->local deltas.
func (d SyncDirection) Pulls() bool { return d != DirectionPush }

// Pushes reports whether the direction allows local->remote deltas.
func (d SyncDirection) Pushes() bool { return d != DirectionPull }

// ConflictPolicy selects the auto-resolution behaviour for field-level
// conflicts. Whole-item conflicts are always manual regardless of policy.
type ConflictPolicy string

const (
	PolicyManual     ConflictPolicy = "manual"
	PolicyLocalWins  ConflictPolicy = "local_wins"
	PolicyRemoteWins ConflictPolicy = "remote_wins"
	PolicyNewerWins  ConflictPolicy = "newer_wins"
)

// Run/account status values surfaced via last_sync_status.
const (
	RunStateRunning                = "running"
	RunStateCompleted              = "completed"
	RunStateCompletedWithConflicts = "completed_with_conflicts"
	RunStateFailed                 = "failed"
)

// VaultServerAccount identifies one external Bitwarden/Vaultwarden-compatible
// server connection. Mutated by administrators (config fields) and by the
// orchestrator (last_* fields). Never hard-deleted while mappings reference
// it; archiving cascade-archives the mappings instead.
type VaultServerAccount struct {
	ID                 string
	Name               string
	ServerURL          string
	OrganizationID     string
	ClientID           string
	ClientSecretHandle cryptox.Handle
	CollectionFilter   []string
	Direction          SyncDirection
	Policy             ConflictPolicy
	SyncIntervalHours  int
	RequireMFAToSync   bool
	LastSync           *time.Time
	LastSyncStatus     string
	LastError          string
	Archived           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Due reports whether a scheduled run is due at now.
func (a *VaultServerAccount) Due(now time.Time) bool {
	if a.Archived || a.SyncIntervalHours <= 0 {
		return false
	}
	if a.LastSync == nil {
		return true
	}
	return now.Sub(*a.LastSync) >= time.Duration(a.SyncIntervalHours)*time.Hour
}
