// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw socket plumbing for the reactor: nonblocking (overlapped on Windows)
// TCP sockets handed to drivers as api.Handle values, plus address helpers.
// All I/O on these sockets goes through the reactor.

package transport
