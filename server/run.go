// File: server/run.go
// Package server implements the blocking run loop and graceful shutdown.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "context"

// Run starts the server, blocks until ctx ends, then shuts it down within
// ShutdownTimeout. Connections still open at the deadline are force-closed
// and the deadline error is returned. The reactor is left running.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}
