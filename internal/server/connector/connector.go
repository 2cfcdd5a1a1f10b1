// Package connector talks to one external Bitwarden/Vaultwarden-compatible
// server account. It owns authentication, rate-limit handling and item and
// collection CRUD against that account. It never logs secret material; the
// only thing it reports about an item is its external ID.
package connector

import (
	"context"
	"time"
)

// RemoteItem is an item as observed on the external server. Secret fields
// hold wire plaintext and exist only transiently: callers seal them at the
// crypto boundary before anything is persisted.
type RemoteItem struct {
	ID             string
	Name           string
	Username       string
	Password       string
	Notes          string
	URI            string
	TOTP           string
	FolderID       string
	OrganizationID string
	CollectionIDs  []string
	RevisionDate   time.Time
	Deleted        bool
}

// RemoteItemDraft is the writable projection of an item. An empty ID means
// create; a non-empty ID means update that item.
type RemoteItemDraft struct {
	ID            string
	Name          string
	Username      string
	Password      string
	Notes         string
	URI           string
	TOTP          string
	FolderID      string
	CollectionIDs []string
}

// RemoteCollection mirrors the external server's grouping concept.
type RemoteCollection struct {
	ID             string
	Name           string
	OrganizationID string
}

// ItemIterator pages lazily through a finite item listing. Next returns the
// next page, or (nil, nil) once the listing is exhausted. The iterator is
// restartable from the server's continuation token on transient failure.
type ItemIterator interface {
	Next(ctx context.Context) ([]RemoteItem, error)
}

// Connector is the engine's only gateway to one external server account.
//
// Error contract: transient failures (timeouts, 5xx, rate limiting) are
// retried internally with capped exponential backoff and escalate to
// common.ErrConnector once the budget is exhausted; authentication failures
// surface immediately as common.ErrAuth; malformed payloads surface as
// common.ErrValidation. A missing item on PullItem or DeleteItem is
// common.ErrorNotFound.
type Connector interface {
	// Authenticate establishes (or refreshes) the cached session.
	Authenticate(ctx context.Context) error

	// ListItems lazily pages through the account's items, server-side
	// filtered to the given collection IDs when non-empty.
	ListItems(ctx context.Context, collectionFilter []string) ItemIterator

	PullItem(ctx context.Context, externalID string) (*RemoteItem, error)

	// PushItem creates (empty draft ID) or updates (non-empty) an item and
	// returns the server's view of it, including the new revision date.
	PushItem(ctx context.Context, draft RemoteItemDraft) (*RemoteItem, error)

	DeleteItem(ctx context.Context, externalID string) error

	ListCollections(ctx context.Context) ([]RemoteCollection, error)
}
