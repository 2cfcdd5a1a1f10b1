package models

import "time"

// VaultItem is a locally stored credential item. Secret fields are kept as
// opaque handles plus deterministic fingerprints; plaintext exists only
// transiently inside the crypto boundary and the connector.
//
// Revision is a monotonically increasing per-item counter bumped on every
// local write; the mapping stores the revision it last synced.
type VaultItem struct {
	ID                 string
	FolderID           string
	Name               string
	Username           string
	URI                string
	PasswordHandle     string
	PasswordFP         string
	NotesHandle        string
	NotesFP            string
	TOTPHandle         string
	TOTPFP             string
	Revision           int64
	Deleted            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Snapshot captures the item's syncable fields.
func (i *VaultItem) Snapshot() ItemSnapshot {
	return ItemSnapshot{
		Name:           i.Name,
		FolderID:       i.FolderID,
		Username:       i.Username,
		URI:            i.URI,
		PasswordHandle: i.PasswordHandle,
		PasswordFP:     i.PasswordFP,
		NotesHandle:    i.NotesHandle,
		NotesFP:        i.NotesFP,
		TOTPHandle:     i.TOTPHandle,
		TOTPFP:         i.TOTPFP,
	}
}

// Field names used in change classification and conflict records.
const (
	FieldName     = "name"
	FieldFolder   = "folder"
	FieldUsername = "username"
	FieldURI      = "uri"
	FieldPassword = "password"
	FieldNotes    = "notes"
	FieldTOTP     = "totp"
)

// ItemSnapshot is the persisted projection of an item used in mappings
// (sync base), conflicts (competing sides) and history rows (before/after).
// It carries handles and fingerprints, never plaintext secrets, so rows
// containing it are safe for operator review.
type ItemSnapshot struct {
	Name           string `json:"name"`
	FolderID       string `json:"folder_id,omitempty"`
	Username       string `json:"username,omitempty"`
	URI            string `json:"uri,omitempty"`
	PasswordHandle string `json:"password_handle,omitempty"`
	PasswordFP     string `json:"password_fp,omitempty"`
	NotesHandle    string `json:"notes_handle,omitempty"`
	NotesFP        string `json:"notes_fp,omitempty"`
	TOTPHandle     string `json:"totp_handle,omitempty"`
	TOTPFP         string `json:"totp_fp,omitempty"`
}

// ChangedFields returns the names of fields whose values differ from base.
// Secret fields compare by fingerprint because sealing is randomized.
func (s ItemSnapshot) ChangedFields(base ItemSnapshot) []string {
	var changed []string
	if s.Name != base.Name {
		changed = append(changed, FieldName)
	}
	if s.FolderID != base.FolderID {
		changed = append(changed, FieldFolder)
	}
	if s.Username != base.Username {
		changed = append(changed, FieldUsername)
	}
	if s.URI != base.URI {
		changed = append(changed, FieldURI)
	}
	if s.PasswordFP != base.PasswordFP {
		changed = append(changed, FieldPassword)
	}
	if s.NotesFP != base.NotesFP {
		changed = append(changed, FieldNotes)
	}
	if s.TOTPFP != base.TOTPFP {
		changed = append(changed, FieldTOTP)
	}
	return changed
}

// Merge returns a copy of s with the named fields replaced by other's values.
func (s ItemSnapshot) Merge(other ItemSnapshot, fields []string) ItemSnapshot {
	out := s
	for _, f := range fields {
		switch f {
		case FieldName:
			out.Name = other.Name
		case FieldFolder:
			out.FolderID = other.FolderID
		case FieldUsername:
			out.Username = other.Username
		case FieldURI:
			out.URI = other.URI
		case FieldPassword:
			out.PasswordHandle, out.PasswordFP = other.PasswordHandle, other.PasswordFP
		case FieldNotes:
			out.NotesHandle, out.NotesFP = other.NotesHandle, other.NotesFP
		case FieldTOTP:
			out.TOTPHandle, out.TOTPFP = other.TOTPHandle, other.TOTPFP
		}
	}
	return out
}
