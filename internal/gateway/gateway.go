// Package gateway defines the interface for pymakebot's user-facing entry
// points: the REPL and the dashboard.
package gateway

import "context"

// Gateway is a user-facing front end over the pipeline.
type Gateway interface {
	// Start runs the gateway and blocks until it exits or ctx is
	// cancelled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline for
	// the grace period; an in-flight action is allowed to finish.
	Stop(ctx context.Context) error
}
