package server

import (
	"errors"
	"time"

	"github.com/momentics/hioload-hbtp/protocol"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrServerClosed   = errors.New("server closed")
	ErrConnClosed     = errors.New("connection closed")
	ErrWriteQueueFull = errors.New("connection write queue full")
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr      string        // TCP bind address, e.g. ":9000"
	Backlog         int           // listen backlog, 0 = transport default
	WriteQueueLimit int           // queued outbound frames per connection
	AcceptBackoff   time.Duration // pause after a failed accept
	ShutdownTimeout time.Duration // used by Run when ctx ends
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":9000",
		WriteQueueLimit: 1024,
		AcceptBackoff:   10 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Handler serves decoded HBTP messages. ServeHBTP runs on the connection's
// worker thread and must not block; m.Payload is valid only during the call.
// Returning an error closes the connection.
type Handler interface {
	ServeHBTP(c *Conn, m protocol.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn, m protocol.Message) error

// ServeHBTP calls f.
func (f HandlerFunc) ServeHBTP(c *Conn, m protocol.Message) error { return f(c, m) }

// Middleware wraps a Handler.
type Middleware func(Handler) Handler
