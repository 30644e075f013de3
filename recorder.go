package screenrec

import (
	"context"
)

// Recorder is a running capture-encode-mux session.
type Recorder interface {
	// Run blocks until a shutdown is requested or a fatal error happens.
	Run(ctx context.Context) error

	// RequestFlush asks to switch from history buffering to live writing.
	// It is safe to call from any goroutine.
	RequestFlush()

	// RequestShutdown asks for a graceful finalization.
	// It is safe to call from any goroutine.
	RequestShutdown()

	GetStats(ctx context.Context) *Stats
}
