// Package snapshots converts between the three representations of an item:
// the local store row, the sealed snapshot used in mappings/conflicts/
// history, and the plaintext wire draft the connector pushes. All plaintext
// secrets cross the crypto boundary here and nowhere else.
package snapshots

import (
	"context"

	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/server/connector"
	"github.com/opsdesk/vaultsync/internal/server/models"
)

// FromRemote seals a remote item's secret fields into a snapshot.
func FromRemote(ctx context.Context, sealer cryptox.Sealer, r *connector.RemoteItem) (models.ItemSnapshot, error) {
	s := models.ItemSnapshot{
		Name:     r.Name,
		FolderID: r.FolderID,
		Username: r.Username,
		URI:      r.URI,
	}
	var err error
	if s.PasswordHandle, s.PasswordFP, err = sealField(ctx, sealer, r.Password); err != nil {
		return models.ItemSnapshot{}, err
	}
	if s.NotesHandle, s.NotesFP, err = sealField(ctx, sealer, r.Notes); err != nil {
		return models.ItemSnapshot{}, err
	}
	if s.TOTPHandle, s.TOTPFP, err = sealField(ctx, sealer, r.TOTP); err != nil {
		return models.ItemSnapshot{}, err
	}
	return s, nil
}

func sealField(ctx context.Context, sealer cryptox.Sealer, value string) (handle, fp string, err error) {
	if value == "" {
		return "", "", nil
	}
	h, err := sealer.Seal(ctx, []byte(value))
	if err != nil {
		return "", "", err
	}
	return string(h), sealer.Fingerprint([]byte(value)), nil
}

// ToDraft opens a snapshot's handles back into a plaintext draft for the
// connector. The caller wipes nothing: the draft's strings go straight to
// the TLS request body and are never persisted.
func ToDraft(ctx context.Context, sealer cryptox.Sealer, externalID string, s models.ItemSnapshot) (connector.RemoteItemDraft, error) {
	d := connector.RemoteItemDraft{
		ID:       externalID,
		Name:     s.Name,
		FolderID: s.FolderID,
		Username: s.Username,
		URI:      s.URI,
	}
	var err error
	if d.Password, err = openField(ctx, sealer, s.PasswordHandle); err != nil {
		return connector.RemoteItemDraft{}, err
	}
	if d.Notes, err = openField(ctx, sealer, s.NotesHandle); err != nil {
		return connector.RemoteItemDraft{}, err
	}
	if d.TOTP, err = openField(ctx, sealer, s.TOTPHandle); err != nil {
		return connector.RemoteItemDraft{}, err
	}
	return d, nil
}

func openField(ctx context.Context, sealer cryptox.Sealer, handle string) (string, error) {
	if handle == "" {
		return "", nil
	}
	b, err := sealer.Open(ctx, cryptox.Handle(handle))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ApplyToItem copies a snapshot's fields onto a local item, leaving
// identity and revision bookkeeping untouched.
func ApplyToItem(item *models.VaultItem, s models.ItemSnapshot) {
	item.Name = s.Name
	item.FolderID = s.FolderID
	item.Username = s.Username
	item.URI = s.URI
	item.PasswordHandle, item.PasswordFP = s.PasswordHandle, s.PasswordFP
	item.NotesHandle, item.NotesFP = s.NotesHandle, s.NotesFP
	item.TOTPHandle, item.TOTPFP = s.TOTPHandle, s.TOTPFP
}
