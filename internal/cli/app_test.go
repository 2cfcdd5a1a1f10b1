package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountsAdd_SendsSecretOnceWithBearerToken(t *testing.T) {
	origReadPassword := readPassword
	readPassword = func(fd int) ([]byte, error) { return []byte("hunter2"), nil }
	t.Cleanup(func() { readPassword = origReadPassword })

	var gotAuth string
	var gotDraft AccountDraft
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/accounts", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDraft))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Account{ID: "acc1", Name: gotDraft.Name})
	}))
	t.Cleanup(ts.Close)

	// name, url, org, client id, direction, policy, interval
	input := strings.Join([]string{
		"corp",
		"https://vw.example.com",
		"",
		"organization.xyz",
		"bidirectional",
		"newer_wins",
		"6",
	}, "\n") + "\n"

	var out bytes.Buffer
	app := NewApp(NewClient(ts.URL, "tok123"), strings.NewReader(input), &out)
	require.NoError(t, app.Run(context.Background(), []string{"accounts", "add"}))

	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, "corp", gotDraft.Name)
	assert.Equal(t, "hunter2", gotDraft.ClientSecret)
	assert.Equal(t, "newer_wins", gotDraft.ConflictPolicy)
	assert.Equal(t, 6, gotDraft.SyncIntervalHours)
	assert.Contains(t, out.String(), "account created: acc1")
	assert.NotContains(t, out.String(), "hunter2", "secret must not be echoed")
}

func TestRun_PrintsCounters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/accounts/acc1/run", r.URL.Path)
		json.NewEncoder(w).Encode(Run{
			ID: "run1", AccountID: "acc1", State: "completed_with_conflicts",
			ItemsProcessed: 5, Succeeded: 3, Skipped: 1, Conflicts: 1,
		})
	}))
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	app := NewApp(NewClient(ts.URL, "tok"), strings.NewReader(""), &out)
	require.NoError(t, app.Run(context.Background(), []string{"run", "acc1"}))

	assert.Contains(t, out.String(), "completed_with_conflicts")
	assert.Contains(t, out.String(), "conflicts=1")
}

func TestRun_ServerErrorSurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "run already in progress"})
	}))
	t.Cleanup(ts.Close)

	app := NewApp(NewClient(ts.URL, "tok"), strings.NewReader(""), &bytes.Buffer{})
	err := app.Run(context.Background(), []string{"run", "acc1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run already in progress")
}

func TestConflictsResolve(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/conflicts/c1/resolve", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "use_local", body["choice"])
		json.NewEncoder(w).Encode(Conflict{ID: "c1", Status: "resolved", Resolution: "use_local"})
	}))
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	app := NewApp(NewClient(ts.URL, "tok"), strings.NewReader(""), &out)
	require.NoError(t, app.Run(context.Background(), []string{"conflicts", "resolve", "c1", "use_local"}))
	assert.Contains(t, out.String(), "resolved")
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	app := NewApp(NewClient("http://unused", "tok"), strings.NewReader(""), &out)
	err := app.Run(context.Background(), []string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "usage:")
}
