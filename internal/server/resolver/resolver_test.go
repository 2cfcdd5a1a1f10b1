package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/connector"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
)

type fakeConnector struct {
	pushed  []connector.RemoteItemDraft
	pushErr error
	deleted []string
}

func (f *fakeConnector) Authenticate(ctx context.Context) error { return nil }

func (f *fakeConnector) ListItems(ctx context.Context, filter []string) connector.ItemIterator {
	return nil
}

func (f *fakeConnector) PullItem(ctx context.Context, id string) (*connector.RemoteItem, error) {
	return nil, common.ErrorNotFound
}

func (f *fakeConnector) PushItem(ctx context.Context, draft connector.RemoteItemDraft) (*connector.RemoteItem, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.pushed = append(f.pushed, draft)
	return &connector.RemoteItem{ID: draft.ID, RevisionDate: time.Now()}, nil
}

func (f *fakeConnector) DeleteItem(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConnector) ListCollections(ctx context.Context) ([]connector.RemoteCollection, error) {
	return nil, nil
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, cryptox.Sealer) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sealer := cryptox.NewAESSealer([]byte("k"), []byte("s"))
	svc := NewService(db, repomanager.NewPostgresRepositoryManager(), sealer, testLogger())
	return svc, mock, sealer
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func conflictRow(t *testing.T, c *models.Conflict) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "mapping_id", "account_id", "local_item_id", "external_id", "classification", "status",
		"local_snapshot", "remote_snapshot", "local_modified_at", "remote_modified_at",
		"local_changed_fields", "remote_changed_fields", "resolution", "resolved_snapshot",
		"resolved_by", "resolved_at", "created_at",
	}).AddRow(
		c.ID, c.MappingID, c.AccountID, c.LocalItemID, c.ExternalID, string(c.Classification), string(c.Status),
		mustJSON(t, c.LocalSnapshot), mustJSON(t, c.RemoteSnapshot), c.LocalModifiedAt, c.RemoteModifiedAt,
		mustJSON(t, c.LocalChangedFields), mustJSON(t, c.RemoteChangedFields), c.Resolution, nil,
		c.ResolvedBy, nil, time.Now(),
	)
}

func mappingRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "account_id", "local_item_id", "external_id", "status", "resolve_version",
		"last_synced_local_revision", "last_synced_remote_revision", "base_snapshot", "created_at", "updated_at",
	}).AddRow("m1", "acc1", "loc1", "ext1", "conflict", int64(2), int64(3), now, `{"name":"wifi"}`, now, now)
}

func itemRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "folder_id", "name", "username", "uri",
		"password_handle", "password_fp", "notes_handle", "notes_fp", "totp_handle", "totp_fp",
		"revision", "deleted", "created_at", "updated_at",
	}).AddRow("loc1", "", "wifi", "admin", "https://router.local",
		"v1:old", "fp-old", "", "", "", "",
		int64(4), false, now, now)
}

// expectApplyTx sets up the transactional half of a resolution that rewrites
// the local item.
func expectApplyTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM vault_items`).WithArgs("loc1").WillReturnRows(itemRow())
	mock.ExpectQuery(`INSERT INTO vault_items`).
		WillReturnRows(sqlmock.NewRows([]string{"revision", "updated_at"}).AddRow(int64(5), time.Now()))
	mock.ExpectExec(`UPDATE sync_mappings SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_conflicts SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sync_history`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestResolveManual_UseRemoteRewritesLocalOnly(t *testing.T) {
	svc, mock, _ := newService(t)
	conn := &fakeConnector{}

	now := time.Now()
	c := &models.Conflict{
		ID: "c1", MappingID: "m1", AccountID: "acc1", LocalItemID: "loc1", ExternalID: "ext1",
		Classification: models.ConflictWholeItem, Status: models.ConflictPending,
		LocalSnapshot:    models.ItemSnapshot{Name: "wifi", PasswordFP: "fp-local", PasswordHandle: "v1:l"},
		RemoteSnapshot:   models.ItemSnapshot{Name: "wifi", PasswordFP: "fp-remote", PasswordHandle: "v1:r"},
		LocalModifiedAt:  now, RemoteModifiedAt: now,
		LocalChangedFields: []string{models.FieldPassword}, RemoteChangedFields: []string{models.FieldPassword},
	}

	mock.ExpectQuery(`SELECT .* FROM sync_conflicts WHERE id`).WithArgs("c1").WillReturnRows(conflictRow(t, c))
	mock.ExpectQuery(`SELECT .* FROM sync_mappings`).WithArgs("acc1", "ext1").WillReturnRows(mappingRow())
	expectApplyTx(mock)

	resolved, err := svc.ResolveManual(context.Background(), conn, "c1", models.ResolutionUseRemote, nil, "operator@example.com")
	require.NoError(t, err)

	assert.Equal(t, models.ConflictResolved, resolved.Status)
	assert.Equal(t, models.ResolutionUseRemote, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedSnapshot)
	assert.Equal(t, "fp-remote", resolved.ResolvedSnapshot.PasswordFP)
	assert.Empty(t, conn.pushed, "choosing the remote side must not push back to the server")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAuto_LocalWinsPushesMergedSnapshot(t *testing.T) {
	svc, mock, sealer := newService(t)
	conn := &fakeConnector{}

	handle, err := sealer.Seal(context.Background(), []byte("hunter2"))
	require.NoError(t, err)

	now := time.Now()
	c := &models.Conflict{
		ID: "c1", MappingID: "m1", AccountID: "acc1", LocalItemID: "loc1", ExternalID: "ext1",
		Classification: models.ConflictFieldLevel, Status: models.ConflictPending,
		LocalSnapshot: models.ItemSnapshot{
			Name: "wifi", URI: "https://router.local",
			PasswordHandle: string(handle), PasswordFP: sealer.Fingerprint([]byte("hunter2")),
		},
		RemoteSnapshot:   models.ItemSnapshot{Name: "wifi", URI: "https://router.internal", PasswordFP: "fp-old"},
		LocalModifiedAt:  now.Add(time.Hour), RemoteModifiedAt: now,
		LocalChangedFields: []string{models.FieldPassword}, RemoteChangedFields: []string{models.FieldURI},
	}

	mock.ExpectQuery(`SELECT .* FROM sync_mappings`).WithArgs("acc1", "ext1").WillReturnRows(mappingRow())
	expectApplyTx(mock)

	ok, err := svc.TryAuto(context.Background(), conn, models.PolicyLocalWins, "run-1", c)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, conn.pushed, 1)
	assert.Equal(t, "ext1", conn.pushed[0].ID)
	assert.Equal(t, "hunter2", conn.pushed[0].Password, "the winning password is pushed in plaintext over the wire")
	assert.Equal(t, "https://router.internal", conn.pushed[0].URI, "the remote side's disjoint edit survives")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAuto_WholeItemStaysPending(t *testing.T) {
	svc, mock, _ := newService(t)

	c := &models.Conflict{ID: "c1", Classification: models.ConflictWholeItem, Status: models.ConflictPending}
	ok, err := svc.TryAuto(context.Background(), &fakeConnector{}, models.PolicyNewerWins, "run-1", c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet(), "no storage access when nothing is resolved")
}

func TestResolveManual_PushFailureLeavesConflictPending(t *testing.T) {
	svc, mock, _ := newService(t)
	conn := &fakeConnector{pushErr: common.ErrConnector}

	now := time.Now()
	c := &models.Conflict{
		ID: "c1", MappingID: "m1", AccountID: "acc1", LocalItemID: "loc1", ExternalID: "ext1",
		Classification: models.ConflictWholeItem, Status: models.ConflictPending,
		LocalSnapshot:    models.ItemSnapshot{Name: "wifi", PasswordFP: "fp-local"},
		RemoteSnapshot:   models.ItemSnapshot{Name: "wifi", PasswordFP: "fp-remote"},
		LocalModifiedAt:  now, RemoteModifiedAt: now,
	}

	mock.ExpectQuery(`SELECT .* FROM sync_conflicts WHERE id`).WithArgs("c1").WillReturnRows(conflictRow(t, c))
	mock.ExpectQuery(`SELECT .* FROM sync_mappings`).WithArgs("acc1", "ext1").WillReturnRows(mappingRow())

	_, err := svc.ResolveManual(context.Background(), conn, "c1", models.ResolutionUseLocal, nil, "operator@example.com")
	require.ErrorIs(t, err, common.ErrConnector)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing may be written when the push fails")
}

func TestResolveManual_ValidatesChoice(t *testing.T) {
	svc, mock, _ := newService(t)

	c := &models.Conflict{
		ID: "c1", AccountID: "acc1", LocalItemID: "loc1", ExternalID: "ext1",
		Classification: models.ConflictWholeItem, Status: models.ConflictPending,
	}

	mock.ExpectQuery(`SELECT .* FROM sync_conflicts WHERE id`).WithArgs("c1").WillReturnRows(conflictRow(t, c))
	_, err := svc.ResolveManual(context.Background(), &fakeConnector{}, "c1", "use_whatever", nil, "op")
	require.ErrorIs(t, err, common.ErrValidation)

	mock.ExpectQuery(`SELECT .* FROM sync_conflicts WHERE id`).WithArgs("c1").WillReturnRows(conflictRow(t, c))
	_, err = svc.ResolveManual(context.Background(), &fakeConnector{}, "c1", models.ResolutionUseCustom, nil, "op")
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestResolveManual_AcceptRemoteDeletion(t *testing.T) {
	svc, mock, _ := newService(t)
	conn := &fakeConnector{}

	now := time.Now()
	// The remote side deleted the item while the local side edited it; the
	// operator accepts the deletion.
	c := &models.Conflict{
		ID: "c1", MappingID: "m1", AccountID: "acc1", LocalItemID: "loc1", ExternalID: "ext1",
		Classification: models.ConflictWholeItem, Status: models.ConflictPending,
		LocalSnapshot:   models.ItemSnapshot{Name: "wifi", PasswordFP: "fp-local"},
		LocalModifiedAt: now,
	}

	mock.ExpectQuery(`SELECT .* FROM sync_conflicts WHERE id`).WithArgs("c1").WillReturnRows(conflictRow(t, c))
	mock.ExpectQuery(`SELECT .* FROM sync_mappings`).WithArgs("acc1", "ext1").WillReturnRows(mappingRow())
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE vault_items SET deleted = TRUE`).WithArgs("loc1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_mappings SET\s+status = 'deleted'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_conflicts SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sync_history`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resolved, err := svc.ResolveManual(context.Background(), conn, "c1", models.ResolutionUseRemote, nil, "operator@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, resolved.Status)
	assert.Empty(t, conn.deleted, "the remote copy is already gone")
	assert.NoError(t, mock.ExpectationsWereMet())
}
