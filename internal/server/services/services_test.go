package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
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
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func validInput() AccountInput {
	return AccountInput{
		Name:              "corp",
		ServerURL:         "https://vw.example.com/",
		ClientID:          "organization.xyz",
		ClientSecret:      "super-secret",
		SyncIntervalHours: 6,
	}
}

func TestAccountCreate_SealsClientSecret(t *testing.T) {
	db, mock := newMockDB(t)
	sealer := cryptox.NewAESSealer([]byte("k"), []byte("s"))
	svc := NewAccountService(db, repomanager.NewPostgresRepositoryManager(), sealer, testLogger())

	var storedHandle string
	mock.ExpectExec(`INSERT INTO vault_server_accounts`).
		WithArgs(sqlmock.AnyArg(), "corp", "https://vw.example.com", "", "organization.xyz",
			handleCapture{&storedHandle}, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			6, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotContains(t, storedHandle, "super-secret", "plaintext must never reach storage")

	opened, err := sealer.Open(context.Background(), cryptox.Handle(storedHandle))
	require.NoError(t, err)
	assert.Equal(t, "super-secret", string(opened))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// handleCapture matches any string argument and records it.
type handleCapture struct{ dst *string }

func (h handleCapture) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*h.dst = s
	}
	return ok
}

func TestAccountCreate_Validation(t *testing.T) {
	db, _ := newMockDB(t)
	svc := NewAccountService(db, repomanager.NewPostgresRepositoryManager(),
		cryptox.NewAESSealer([]byte("k"), []byte("s")), testLogger())

	cases := []struct {
		name   string
		mutate func(*AccountInput)
	}{
		{"missing name", func(in *AccountInput) { in.Name = "" }},
		{"bad url", func(in *AccountInput) { in.ServerURL = "ftp://nope" }},
		{"missing client id", func(in *AccountInput) { in.ClientID = "" }},
		{"missing secret", func(in *AccountInput) { in.ClientSecret = "" }},
		{"negative interval", func(in *AccountInput) { in.SyncIntervalHours = -1 }},
		{"bad direction", func(in *AccountInput) { in.Direction = "sideways" }},
		{"bad policy", func(in *AccountInput) { in.Policy = "coin_flip" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			_, err := svc.Create(context.Background(), in)
			require.ErrorIs(t, err, common.ErrValidation)
		})
	}
}

func TestAccountArchive_CascadesToMappings(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewAccountService(db, repomanager.NewPostgresRepositoryManager(),
		cryptox.NewAESSealer([]byte("k"), []byte("s")), testLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE vault_server_accounts SET archived = TRUE`).
		WithArgs("acc1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_mappings SET\s+status = 'deleted'`).
		WithArgs("acc1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, svc.Archive(context.Background(), "acc1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountArchive_MissingAccountRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewAccountService(db, repomanager.NewPostgresRepositoryManager(),
		cryptox.NewAESSealer([]byte("k"), []byte("s")), testLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE vault_server_accounts SET archived = TRUE`).
		WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := svc.Archive(context.Background(), "missing")
	require.ErrorIs(t, err, common.ErrorNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneHistory_DisabledWithoutRetention(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewHistoryService(db, repomanager.NewPostgresRepositoryManager(), 0, 0, testLogger())

	n, err := svc.PruneHistory(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneHistory_TwoTierWindows(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewHistoryService(db, repomanager.NewPostgresRepositoryManager(),
		24*time.Hour, 30*24*time.Hour, testLogger())

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM sync_history`).
		WithArgs("success", "conflict_created", "conflict_resolved",
			now.Add(-24*time.Hour), now.Add(-30*24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := svc.PruneHistory(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
