// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-hbtp/api"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithMiddleware attaches middleware in FIFO order.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithLogger overrides the reactor's logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithListener serves on an already listening socket instead of ListenAddr.
// The server closes it on Shutdown.
func WithListener(h api.Handle) ServerOption {
	return func(s *Server) {
		s.ln = h
		s.lnGiven = true
	}
}

// WithOnConnect registers a hook run on the worker thread for each new connection.
func WithOnConnect(fn func(*Conn)) ServerOption {
	return func(s *Server) {
		s.onConnect = fn
	}
}

// WithOnDisconnect registers a hook run once per connection after its socket
// is closed. err is nil for an orderly close.
func WithOnDisconnect(fn func(*Conn, error)) ServerOption {
	return func(s *Server) {
		s.onDisconnect = fn
	}
}
