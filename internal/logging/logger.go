// Package logging defines the structured-logging seam used across the sync
// engine. Components depend on Logger, not on a concrete backend; the server
// wires in the slog implementation.
package logging

import "context"

// Logger is a context-aware, structured logger. The variadic args are
// key-value pairs:
//
//	log.Info(ctx, "sync run started", "account_id", id, "trigger", trigger)
type Logger interface {
	// Debug logs fine-grained events, such as individual retry attempts.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs normal engine progress.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value
	// pairs.
	With(args ...any) Logger
}
