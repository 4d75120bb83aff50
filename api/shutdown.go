// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// ShutdownReport lists what a shutdown had to cut short.
type ShutdownReport struct {
	// Cancelled holds every handle that had an operation force-cancelled
	// after the drain deadline. Callers retry or fail those explicitly.
	Cancelled []Handle
	// Forced is true when at least one worker hit the drain deadline.
	Forced bool
}

// GracefulShutdown drains in-flight work until ctx is done, then force-stops.
type GracefulShutdown interface {
	Shutdown(ctx context.Context) (ShutdownReport, error)
}
