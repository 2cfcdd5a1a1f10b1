package models

import "time"

// Collection is a read-only projection of the external server's grouping
// concept, refreshed wholesale each run and used only for local folder
// placement and scoping. Never diffed field-by-field.
type Collection struct {
	AccountID      string
	ExternalID     string
	Name           string
	OrganizationID string
	RefreshedAt    time.Time
}
