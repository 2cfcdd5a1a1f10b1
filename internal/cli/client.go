package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP client for the control API. It sends the operator's
// bearer token on every request and decodes the JSON error envelope.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type Account struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	ServerURL         string   `json:"server_url"`
	ClientID          string   `json:"client_id"`
	Direction         string   `json:"direction"`
	ConflictPolicy    string   `json:"conflict_policy"`
	SyncIntervalHours int      `json:"sync_interval_hours"`
	RequireMFAToSync  bool     `json:"require_mfa_to_sync"`
	LastSyncStatus    string   `json:"last_sync_status,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
	CollectionFilter  []string `json:"collection_filter,omitempty"`
}

type AccountDraft struct {
	Name              string   `json:"name"`
	ServerURL         string   `json:"server_url"`
	OrganizationID    string   `json:"organization_id,omitempty"`
	ClientID          string   `json:"client_id"`
	ClientSecret      string   `json:"client_secret"`
	CollectionFilter  []string `json:"collection_filter,omitempty"`
	Direction         string   `json:"direction,omitempty"`
	ConflictPolicy    string   `json:"conflict_policy,omitempty"`
	SyncIntervalHours int      `json:"sync_interval_hours,omitempty"`
	RequireMFAToSync  bool     `json:"require_mfa_to_sync,omitempty"`
}

type Run struct {
	ID             string `json:"id"`
	AccountID      string `json:"account_id"`
	State          string `json:"state"`
	ItemsProcessed int    `json:"items_processed"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	Conflicts      int    `json:"conflicts"`
	Error          string `json:"error,omitempty"`
}

type Conflict struct {
	ID                  string   `json:"id"`
	AccountID           string   `json:"account_id"`
	LocalItemID         string   `json:"local_item_id"`
	ExternalID          string   `json:"external_id"`
	Classification      string   `json:"classification"`
	Status              string   `json:"status"`
	LocalChangedFields  []string `json:"local_changed_fields,omitempty"`
	RemoteChangedFields []string `json:"remote_changed_fields,omitempty"`
	Resolution          string   `json:"resolution,omitempty"`
}

func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := c.do(ctx, http.MethodGet, "/sync/accounts", nil, &out)
	return out, err
}

func (c *Client) CreateAccount(ctx context.Context, draft AccountDraft) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodPost, "/sync/accounts", draft, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RunAccount(ctx context.Context, accountID string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodPost, "/sync/accounts/"+accountID+"/run", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConflicts(ctx context.Context, accountID string) ([]Conflict, error) {
	var out []Conflict
	err := c.do(ctx, http.MethodGet, "/sync/accounts/"+accountID+"/conflicts", nil, &out)
	return out, err
}

func (c *Client) ResolveConflict(ctx context.Context, conflictID, choice string) (*Conflict, error) {
	var out Conflict
	body := map[string]string{"choice": choice}
	if err := c.do(ctx, http.MethodPost, "/sync/conflicts/"+conflictID+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IgnoreConflict(ctx context.Context, conflictID string) error {
	return c.do(ctx, http.MethodPost, "/sync/conflicts/"+conflictID+"/ignore", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("server: %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
