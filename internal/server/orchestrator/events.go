package orchestrator

import "time"

// Event types published over the events stream.
const (
	EventRunStarted       = "run_started"
	EventRunFinished      = "run_finished"
	EventConflictDetected = "conflict_detected"
)

// Event is a live progress notification about an account's sync activity.
// It carries identifiers and counters only, never item content.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	RunID     string    `json:"run_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Processed int       `json:"processed,omitempty"`
	Conflicts int       `json:"conflicts,omitempty"`
	At        time.Time `json:"at"`
}
