// Package common defines shared constants and sentinel errors used across
// the sync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// ErrVersionConflict signals an optimistic-concurrency failure on a
	// mapping write: the stored resolve_version no longer matches.
	ErrVersionConflict = errors.New("version conflict")

	// ErrMappingIntegrity signals a uniqueness violation or an orphaned
	// mapping. Fatal for the item being processed, not for the run.
	ErrMappingIntegrity = errors.New("mapping integrity violation")

	// Connector errors. ErrAuth aborts the remainder of a run and is never
	// retried; ErrTransient is retried with backoff and escalated to
	// ErrConnector once the retry budget is exhausted.
	ErrAuth      = errors.New("authentication failed")
	ErrTransient = errors.New("transient network failure")
	ErrConnector = errors.New("connector failure")

	// ErrValidation marks a malformed remote payload. The item is skipped
	// and logged, the run continues.
	ErrValidation = errors.New("validation error")

	// ErrRunInProgress is returned when a sync run is requested for an
	// account whose run lock is already held.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrRunCancelled finalizes a cooperatively cancelled run.
	ErrRunCancelled = errors.New("run cancelled")

	// Control-API auth errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrMFARequired  = errors.New("mfa required")
)
