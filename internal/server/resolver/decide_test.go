package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/vaultsync/internal/server/models"
)

func fieldConflict(localAt, remoteAt time.Time) *models.Conflict {
	base := models.ItemSnapshot{Name: "wifi", URI: "https://router.local", PasswordFP: "fp-old"}

	local := base
	local.PasswordFP = "fp-local"
	local.PasswordHandle = "v1:local"

	remote := base
	remote.URI = "https://router.internal"

	return &models.Conflict{
		ID:                  "c1",
		Classification:      models.ConflictFieldLevel,
		Status:              models.ConflictPending,
		LocalSnapshot:       local,
		RemoteSnapshot:      remote,
		LocalModifiedAt:     localAt,
		RemoteModifiedAt:    remoteAt,
		LocalChangedFields:  []string{models.FieldPassword},
		RemoteChangedFields: []string{models.FieldURI},
	}
}

func TestDecide_NewerWinsLocalNewer(t *testing.T) {
	now := time.Now()
	c := fieldConflict(now.Add(time.Hour), now)

	d, ok := Decide(c, models.PolicyNewerWins)
	require.True(t, ok)
	assert.Equal(t, models.ResolutionAutoNewer, d.Resolution)
	// Both disjoint edits survive the merge.
	assert.Equal(t, "fp-local", d.Snapshot.PasswordFP)
	assert.Equal(t, "https://router.internal", d.Snapshot.URI)
}

func TestDecide_NewerWinsRemoteNewer(t *testing.T) {
	now := time.Now()
	c := fieldConflict(now, now.Add(time.Hour))

	d, ok := Decide(c, models.PolicyNewerWins)
	require.True(t, ok)
	assert.Equal(t, models.ResolutionAutoNewer, d.Resolution)
	assert.Equal(t, "fp-local", d.Snapshot.PasswordFP)
	assert.Equal(t, "https://router.internal", d.Snapshot.URI)
}

func TestDecide_NewerWinsTieStaysPending(t *testing.T) {
	now := time.Now()
	_, ok := Decide(fieldConflict(now, now), models.PolicyNewerWins)
	assert.False(t, ok, "a modification-time tie must not be auto-resolved")
}

func TestDecide_LocalAndRemoteWins(t *testing.T) {
	now := time.Now()

	d, ok := Decide(fieldConflict(now, now), models.PolicyLocalWins)
	require.True(t, ok)
	assert.Equal(t, models.ResolutionAutoLocal, d.Resolution)

	d, ok = Decide(fieldConflict(now, now), models.PolicyRemoteWins)
	require.True(t, ok)
	assert.Equal(t, models.ResolutionAutoRemote, d.Resolution)
}

func TestDecide_WholeItemNeverAuto(t *testing.T) {
	now := time.Now()
	c := fieldConflict(now.Add(time.Hour), now)
	c.Classification = models.ConflictWholeItem

	for _, policy := range []models.ConflictPolicy{
		models.PolicyLocalWins, models.PolicyRemoteWins, models.PolicyNewerWins,
	} {
		_, ok := Decide(c, policy)
		assert.False(t, ok, "policy %s must not auto-resolve a whole-item conflict", policy)
	}
}

func TestDecide_ManualPolicyStaysPending(t *testing.T) {
	now := time.Now()
	_, ok := Decide(fieldConflict(now.Add(time.Hour), now), models.PolicyManual)
	assert.False(t, ok)
}

func TestDecide_OverlapTakesWinnerValue(t *testing.T) {
	now := time.Now()
	c := fieldConflict(now.Add(time.Hour), now)
	// Force an overlap on the URI field; classification checks live in the
	// observer, Decide trusts what it is handed.
	c.LocalSnapshot.URI = "https://local-edit"
	c.LocalChangedFields = []string{models.FieldPassword, models.FieldURI}

	d, ok := Decide(c, models.PolicyLocalWins)
	require.True(t, ok)
	assert.Equal(t, "https://local-edit", d.Snapshot.URI)
}
