package snapshots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/server/connector"
)

func TestFromRemote_ToDraft_RoundTrip(t *testing.T) {
	sealer := cryptox.NewAESSealer([]byte("k"), []byte("s"))
	ctx := context.Background()

	remote := &connector.RemoteItem{
		ID:           "ext-1",
		Name:         "mail",
		Username:     "ops@example.com",
		Password:     "p@ss",
		Notes:        "shared inbox",
		TOTP:         "otpauth://totp/x",
		URI:          "https://mail.example.com",
		RevisionDate: time.Now(),
	}

	snap, err := FromRemote(ctx, sealer, remote)
	require.NoError(t, err)

	// The snapshot must carry no plaintext secrets.
	assert.NotContains(t, snap.PasswordHandle, "p@ss")
	assert.NotEmpty(t, snap.PasswordFP)
	assert.NotEmpty(t, snap.NotesHandle)
	assert.NotEmpty(t, snap.TOTPHandle)

	draft, err := ToDraft(ctx, sealer, "ext-1", snap)
	require.NoError(t, err)
	assert.Equal(t, remote.Password, draft.Password)
	assert.Equal(t, remote.Notes, draft.Notes)
	assert.Equal(t, remote.TOTP, draft.TOTP)
	assert.Equal(t, remote.Username, draft.Username)
	assert.Equal(t, "ext-1", draft.ID)
}

func TestFromRemote_EmptySecretsStayEmpty(t *testing.T) {
	sealer := cryptox.NewAESSealer([]byte("k"), []byte("s"))

	snap, err := FromRemote(context.Background(), sealer, &connector.RemoteItem{Name: "bare"})
	require.NoError(t, err)
	assert.Empty(t, snap.PasswordHandle)
	assert.Empty(t, snap.PasswordFP)
}

func TestFingerprints_MatchForEqualSecrets(t *testing.T) {
	sealer := cryptox.NewAESSealer([]byte("k"), []byte("s"))
	ctx := context.Background()

	a, err := FromRemote(ctx, sealer, &connector.RemoteItem{Password: "same"})
	require.NoError(t, err)
	b, err := FromRemote(ctx, sealer, &connector.RemoteItem{Password: "same"})
	require.NoError(t, err)

	assert.NotEqual(t, a.PasswordHandle, b.PasswordHandle, "handles are randomized")
	assert.Equal(t, a.PasswordFP, b.PasswordFP, "fingerprints are deterministic")
	assert.Empty(t, a.ChangedFields(b), "equal secrets must not register as changes")
}
