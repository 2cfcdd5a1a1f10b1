package resolver

import (
	"github.com/opsdesk/vaultsync/internal/server/models"
)

// Decision is the outcome of evaluating an account policy against one
// pending conflict.
type Decision struct {
	Resolution string
	Snapshot   models.ItemSnapshot
}

// Decide evaluates whether the account's policy settles a conflict without
// operator involvement. Only field-level conflicts are eligible: whole-item
// conflicts always stay pending, whatever the policy says. Under newer_wins
// an exact modification-time tie also stays pending.
func Decide(c *models.Conflict, policy models.ConflictPolicy) (Decision, bool) {
	if c.Classification != models.ConflictFieldLevel {
		return Decision{}, false
	}
	switch policy {
	case models.PolicyLocalWins:
		return Decision{Resolution: models.ResolutionAutoLocal, Snapshot: merged(c, true)}, true
	case models.PolicyRemoteWins:
		return Decision{Resolution: models.ResolutionAutoRemote, Snapshot: merged(c, false)}, true
	case models.PolicyNewerWins:
		switch {
		case c.LocalModifiedAt.After(c.RemoteModifiedAt):
			return Decision{Resolution: models.ResolutionAutoNewer, Snapshot: merged(c, true)}, true
		case c.RemoteModifiedAt.After(c.LocalModifiedAt):
			return Decision{Resolution: models.ResolutionAutoNewer, Snapshot: merged(c, false)}, true
		default:
			return Decision{}, false
		}
	default:
		return Decision{}, false
	}
}

// merged overlays the winner's changed fields onto the loser's snapshot, so
// edits to distinct fields from both sides survive and any overlapping field
// takes the winner's value.
func merged(c *models.Conflict, localWins bool) models.ItemSnapshot {
	if localWins {
		return c.RemoteSnapshot.Merge(c.LocalSnapshot, c.LocalChangedFields)
	}
	return c.LocalSnapshot.Merge(c.RemoteSnapshot, c.RemoteChangedFields)
}
