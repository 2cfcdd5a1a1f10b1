package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/auth"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/orchestrator"
	"github.com/opsdesk/vaultsync/internal/server/repositories/history"
	"github.com/opsdesk/vaultsync/internal/server/services"
)

var testSecret = []byte("test-secret")

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

type fakeAccounts struct {
	account  *models.VaultServerAccount
	created  *services.AccountInput
	archived string
	runs     []*models.SyncRun
}

func (f *fakeAccounts) Create(ctx context.Context, in services.AccountInput) (*models.VaultServerAccount, error) {
	if in.Name == "" {
		return nil, common.ErrValidation
	}
	f.created = &in
	return &models.VaultServerAccount{
		ID:        "acc1",
		Name:      in.Name,
		ServerURL: in.ServerURL,
		ClientID:  in.ClientID,
		Direction: models.DirectionBidirectional,
		Policy:    models.PolicyManual,
	}, nil
}

func (f *fakeAccounts) Update(ctx context.Context, id string, in services.AccountInput) (*models.VaultServerAccount, error) {
	if f.account == nil || f.account.ID != id {
		return nil, common.ErrorNotFound
	}
	f.account.Name = in.Name
	return f.account, nil
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*models.VaultServerAccount, error) {
	if f.account == nil || f.account.ID != id {
		return nil, common.ErrorNotFound
	}
	return f.account, nil
}

func (f *fakeAccounts) List(ctx context.Context) ([]*models.VaultServerAccount, error) {
	if f.account == nil {
		return nil, nil
	}
	return []*models.VaultServerAccount{f.account}, nil
}

func (f *fakeAccounts) Archive(ctx context.Context, id string) error {
	f.archived = id
	return nil
}

func (f *fakeAccounts) Runs(ctx context.Context, accountID string, limit int) ([]*models.SyncRun, error) {
	return f.runs, nil
}

type fakeConflicts struct {
	conflict   *models.Conflict
	resolvedBy string
	choice     string
}

func (f *fakeConflicts) List(ctx context.Context, accountID string, status models.ConflictStatus, limit, offset int) ([]*models.Conflict, error) {
	if f.conflict == nil {
		return nil, nil
	}
	return []*models.Conflict{f.conflict}, nil
}

func (f *fakeConflicts) Get(ctx context.Context, id string) (*models.Conflict, error) {
	if f.conflict == nil || f.conflict.ID != id {
		return nil, common.ErrorNotFound
	}
	return f.conflict, nil
}

func (f *fakeConflicts) Resolve(ctx context.Context, conflictID, choice string, custom *models.ItemSnapshot, resolvedBy string) (*models.Conflict, error) {
	if f.conflict == nil || f.conflict.ID != conflictID {
		return nil, common.ErrorNotFound
	}
	f.choice = choice
	f.resolvedBy = resolvedBy
	f.conflict.Status = models.ConflictResolved
	f.conflict.Resolution = choice
	return f.conflict, nil
}

func (f *fakeConflicts) Ignore(ctx context.Context, conflictID, resolvedBy string) error {
	f.resolvedBy = resolvedBy
	return nil
}

type fakeHistory struct {
	filter  history.Filter
	entries []*models.SyncHistoryEntry
}

func (f *fakeHistory) List(ctx context.Context, accountID string, fl history.Filter, limit, offset int) ([]*models.SyncHistoryEntry, error) {
	f.filter = fl
	return f.entries, nil
}

type fakeJobs struct {
	job *models.ExportImportJob
	url string
}

func (f *fakeJobs) StartExport(ctx context.Context, accountID string) (*models.ExportImportJob, error) {
	return f.job, nil
}

func (f *fakeJobs) StartImport(ctx context.Context, accountID, archiveKey string) (*models.ExportImportJob, error) {
	if archiveKey == "" {
		return nil, common.ErrValidation
	}
	return f.job, nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*models.ExportImportJob, error) {
	if f.job == nil {
		return nil, common.ErrorNotFound
	}
	return f.job, nil
}

func (f *fakeJobs) DownloadURL(ctx context.Context, jobID string) (string, error) {
	return f.url, nil
}

type fakeRunner struct {
	run *models.SyncRun
	err error
}

func (f *fakeRunner) RunAccount(ctx context.Context, accountID, trigger string) (*models.SyncRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

type fixture struct {
	accounts  *fakeAccounts
	conflicts *fakeConflicts
	history   *fakeHistory
	jobs      *fakeJobs
	runner    *fakeRunner
	hub       *Hub
	ts        *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		accounts:  &fakeAccounts{},
		conflicts: &fakeConflicts{},
		history:   &fakeHistory{},
		jobs:      &fakeJobs{},
		runner:    &fakeRunner{},
		hub:       NewHub(testLogger()),
	}
	srv := NewServer(f.accounts, f.conflicts, f.history, f.jobs, f.runner, f.hub, testSecret, testLogger())
	f.ts = httptest.NewServer(srv.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func token(t *testing.T, mfa bool) string {
	t.Helper()
	tok, err := auth.GenerateToken("operator", mfa, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func doRequest(t *testing.T, method, url, tok string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_MissingOrBadToken(t *testing.T) {
	f := newFixture(t)

	resp := doRequest(t, http.MethodGet, f.ts.URL+"/sync/accounts", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := doRequest(t, http.MethodGet, f.ts.URL+"/sync/accounts", "not-a-token", nil)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestCreateAccount_NeverEchoesSecret(t *testing.T) {
	f := newFixture(t)

	resp := doRequest(t, http.MethodPost, f.ts.URL+"/sync/accounts", token(t, false), accountRequest{
		Name:         "corp",
		ServerURL:    "https://vw.example.com",
		ClientID:     "organization.xyz",
		ClientSecret: "hunter2",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, body.String(), "hunter2", "secret must not round-trip through the API")
	assert.NotContains(t, body.String(), "client_secret")

	require.NotNil(t, f.accounts.created)
	assert.Equal(t, "hunter2", f.accounts.created.ClientSecret, "plaintext goes to the service for sealing")
}

func TestRunAccount_ConcurrentRunRejected(t *testing.T) {
	f := newFixture(t)
	f.accounts.account = &models.VaultServerAccount{ID: "acc1", Name: "corp"}
	f.runner.err = common.ErrRunInProgress

	resp := doRequest(t, http.MethodPost, f.ts.URL+"/sync/accounts/acc1/run", token(t, false), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRunAccount_MFAGate(t *testing.T) {
	f := newFixture(t)
	f.accounts.account = &models.VaultServerAccount{ID: "acc1", Name: "corp", RequireMFAToSync: true}
	f.runner.run = &models.SyncRun{ID: "run1", AccountID: "acc1", State: models.RunStateCompleted}

	resp := doRequest(t, http.MethodPost, f.ts.URL+"/sync/accounts/acc1/run", token(t, false), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp2 := doRequest(t, http.MethodPost, f.ts.URL+"/sync/accounts/acc1/run", token(t, true), nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var run runResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&run))
	assert.Equal(t, "run1", run.ID)
	assert.Equal(t, models.RunStateCompleted, run.State)
}

func TestRunAccount_UnknownAccount(t *testing.T) {
	f := newFixture(t)

	resp := doRequest(t, http.MethodPost, f.ts.URL+"/sync/accounts/missing/run", token(t, false), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveConflict_AttributesOperator(t *testing.T) {
	f := newFixture(t)
	f.conflicts.conflict = &models.Conflict{
		ID:             "c1",
		AccountID:      "acc1",
		Classification: models.ConflictWholeItem,
		Status:         models.ConflictPending,
	}

	resp := doRequest(t, http.MethodPost, f.ts.URL+"/sync/conflicts/c1/resolve", token(t, false),
		resolveRequest{Choice: models.ResolutionUseLocal})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.ResolutionUseLocal, f.conflicts.choice)
	assert.Equal(t, "operator", f.conflicts.resolvedBy, "token subject attributes the resolution")

	var c conflictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.Equal(t, string(models.ConflictResolved), c.Status)
}

func TestListHistory_FilterParsing(t *testing.T) {
	f := newFixture(t)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	resp := doRequest(t, http.MethodGet,
		f.ts.URL+"/sync/accounts/acc1/history?action=update_local&status=failure&from="+from.Format(time.RFC3339),
		token(t, false), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "update_local", f.history.filter.Action)
	assert.Equal(t, "failure", f.history.filter.Status)
	assert.True(t, f.history.filter.From.Equal(from))

	bad := doRequest(t, http.MethodGet, f.ts.URL+"/sync/accounts/acc1/history?from=yesterday", token(t, false), nil)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t)
	f.jobs.job = &models.ExportImportJob{
		ID: "j1", AccountID: "acc1", Kind: models.JobExport, State: models.JobCompleted,
		Processed: 10, Succeeded: 10, Total: 10, ArchiveKey: "exports/acc1/2026/08/31/x.json",
	}
	f.jobs.url = "https://archive.example.com/exports/acc1/2026/08/31/x.json"

	resp := doRequest(t, http.MethodPost, f.ts.URL+"/sync/accounts/acc1/export", token(t, false), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp2 := doRequest(t, http.MethodGet, f.ts.URL+"/sync/jobs/j1", token(t, false), nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var j jobResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&j))
	assert.Equal(t, float64(100), j.Percent)

	resp3 := doRequest(t, http.MethodGet, f.ts.URL+"/sync/jobs/j1/download", token(t, false), nil)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var dl map[string]string
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&dl))
	assert.Equal(t, f.jobs.url, dl["url"])
}

func TestEventsStream_DeliversPublishedEvents(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sync/events?access_token=" + token(t, false)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Subscription registers synchronously during the upgrade handshake, but
	// give the server goroutine a beat before publishing.
	time.Sleep(50 * time.Millisecond)
	f.hub.Publish(orchestrator.Event{Type: orchestrator.EventRunStarted, AccountID: "acc1", RunID: "run1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e orchestrator.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, orchestrator.EventRunStarted, e.Type)
	assert.Equal(t, "acc1", e.AccountID)
	assert.Equal(t, "run1", e.RunID)
}

func TestEventsStream_RequiresToken(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sync/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
