package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsdesk/vaultsync/internal/common"
)

// Wire DTOs for the cipher endpoints. Only login-type ciphers (type 1) are
// syncable; other types are surfaced to the caller as validation errors so
// the run can skip them.
type cipherLoginURI struct {
	URI string `json:"uri"`
}

type cipherLogin struct {
	Username string           `json:"username"`
	Password string           `json:"password"`
	TOTP     string           `json:"totp"`
	URIs     []cipherLoginURI `json:"uris"`
}

type cipher struct {
	ID             string       `json:"id"`
	Type           int          `json:"type"`
	Name           string       `json:"name"`
	Notes          string       `json:"notes"`
	FolderID       string       `json:"folderId"`
	OrganizationID string       `json:"organizationId"`
	CollectionIDs  []string     `json:"collectionIds"`
	RevisionDate   time.Time    `json:"revisionDate"`
	DeletedDate    *time.Time   `json:"deletedDate"`
	Login          *cipherLogin `json:"login"`
}

type cipherList struct {
	Data              []cipher `json:"data"`
	ContinuationToken string   `json:"continuationToken"`
}

const cipherTypeLogin = 1

func (c cipher) toRemoteItem() (RemoteItem, error) {
	if c.ID == "" {
		return RemoteItem{}, fmt.Errorf("%w: cipher without id", common.ErrValidation)
	}
	if c.Type != cipherTypeLogin {
		return RemoteItem{}, fmt.Errorf("%w: unsupported cipher type %d", common.ErrValidation, c.Type)
	}
	item := RemoteItem{
		ID:             c.ID,
		Name:           c.Name,
		Notes:          c.Notes,
		FolderID:       c.FolderID,
		OrganizationID: c.OrganizationID,
		CollectionIDs:  c.CollectionIDs,
		RevisionDate:   c.RevisionDate,
		Deleted:        c.DeletedDate != nil,
	}
	if c.Login != nil {
		item.Username = c.Login.Username
		item.Password = c.Login.Password
		item.TOTP = c.Login.TOTP
		if len(c.Login.URIs) > 0 {
			item.URI = c.Login.URIs[0].URI
		}
	}
	return item, nil
}

func draftToCipher(d RemoteItemDraft) cipher {
	var uris []cipherLoginURI
	if d.URI != "" {
		uris = []cipherLoginURI{{URI: d.URI}}
	}
	return cipher{
		ID:            d.ID,
		Type:          cipherTypeLogin,
		Name:          d.Name,
		Notes:         d.Notes,
		FolderID:      d.FolderID,
		CollectionIDs: d.CollectionIDs,
		Login: &cipherLogin{
			Username: d.Username,
			Password: d.Password,
			TOTP:     d.TOTP,
			URIs:     uris,
		},
	}
}

type itemPager struct {
	client *Client
	filter []string
	token  string
	done   bool
}

// ListItems returns a lazy pager over /api/ciphers. The continuation token
// travels with the pager, so a retried page restarts where it left off.
func (c *Client) ListItems(_ context.Context, collectionFilter []string) ItemIterator {
	return &itemPager{client: c, filter: collectionFilter}
}

func (p *itemPager) Next(ctx context.Context) ([]RemoteItem, error) {
	if p.done {
		return nil, nil
	}

	query := url.Values{"pageSize": {fmt.Sprint(pageSize)}}
	if p.token != "" {
		query.Set("continuationToken", p.token)
	}
	if len(p.filter) > 0 {
		query.Set("collectionId", strings.Join(p.filter, ","))
	}

	var list cipherList
	if err := p.client.apiRequest(ctx, http.MethodGet, "/api/ciphers", query, nil, &list); err != nil {
		return nil, err
	}

	p.token = list.ContinuationToken
	if p.token == "" {
		p.done = true
	}

	items := make([]RemoteItem, 0, len(list.Data))
	for _, c := range list.Data {
		item, err := c.toRemoteItem()
		if err != nil {
			// Non-login ciphers are not an error for the listing as a
			// whole; the caller never sees them.
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 && !p.done {
		// Defend against an empty-but-continuing page looping forever.
		return p.Next(ctx)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (c *Client) PullItem(ctx context.Context, externalID string) (*RemoteItem, error) {
	var cph cipher
	if err := c.apiRequest(ctx, http.MethodGet, "/api/ciphers/"+externalID, nil, nil, &cph); err != nil {
		return nil, err
	}
	item, err := cph.toRemoteItem()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) PushItem(ctx context.Context, draft RemoteItemDraft) (*RemoteItem, error) {
	method, path := http.MethodPost, "/api/ciphers"
	if draft.ID != "" {
		method, path = http.MethodPut, "/api/ciphers/"+draft.ID
	}

	var cph cipher
	if err := c.apiRequest(ctx, method, path, nil, draftToCipher(draft), &cph); err != nil {
		return nil, err
	}
	item, err := cph.toRemoteItem()
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "pushed item", "external_id", item.ID)
	return &item, nil
}

func (c *Client) DeleteItem(ctx context.Context, externalID string) error {
	if err := c.apiRequest(ctx, http.MethodDelete, "/api/ciphers/"+externalID, nil, nil, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, "deleted item", "external_id", externalID)
	return nil
}

type collectionList struct {
	Data []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		OrganizationID string `json:"organizationId"`
	} `json:"data"`
}

func (c *Client) ListCollections(ctx context.Context) ([]RemoteCollection, error) {
	var list collectionList
	if err := c.apiRequest(ctx, http.MethodGet, "/api/collections", nil, nil, &list); err != nil {
		return nil, err
	}
	out := make([]RemoteCollection, 0, len(list.Data))
	for _, col := range list.Data {
		out = append(out, RemoteCollection{ID: col.ID, Name: col.Name, OrganizationID: col.OrganizationID})
	}
	return out, nil
}
