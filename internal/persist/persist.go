// Package persist moves journaled broadcast changes into durable storage and
// brings them back after a restart.
package persist

import "context"

// Flusher periodically drains the broadcast journal into storage.
type Flusher interface {
	// Start begins the flush loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the loop after a final flush.
	Stop() error

	// Tick runs a single flush. Used for testing.
	Tick(ctx context.Context) error
}
