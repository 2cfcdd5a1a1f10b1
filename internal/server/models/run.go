package models

import "time"

// SyncRun is the durable record of one orchestrator execution for one
// account. Counter invariant for completed runs:
//
//	ItemsProcessed == Succeeded + Failed + Skipped + Conflicts
type SyncRun struct {
	ID        string
	AccountID string
	State     string

	ItemsProcessed int
	Succeeded      int
	Failed         int
	Skipped        int
	Conflicts      int

	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
