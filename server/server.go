// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HBTP server over the reactor. One listening socket is accepted on its own
// worker; every accepted connection is assigned to a worker once and read
// through reactor.Stream from then on.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/control"
	"github.com/momentics/hioload-hbtp/internal/transport"
	"github.com/momentics/hioload-hbtp/reactor"
)

// Server accepts HBTP connections and dispatches their messages.
type Server struct {
	cfg        *Config
	r          *reactor.Reactor
	handler    Handler
	middleware []Middleware
	log        zerolog.Logger

	ln       api.Handle
	lnGiven  bool
	addr     netip.AddrPort
	started  atomic.Bool
	closing  atomic.Bool
	acceptWG sync.WaitGroup

	onConnect    func(*Conn)
	onDisconnect func(*Conn, error)

	mu    sync.Mutex
	conns map[api.Handle]*Conn
	live  sync.WaitGroup

	accepted atomic.Uint64
	messages atomic.Uint64
	sent     atomic.Uint64
}

// NewServer builds a server on a started reactor.
func NewServer(r *reactor.Reactor, cfg *Config, h Handler, opts ...ServerOption) (*Server, error) {
	if r == nil || h == nil {
		return nil, api.ErrInvalidArgument
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:   cfg,
		r:     r,
		log:   r.Logger(),
		conns: make(map[api.Handle]*Conn),
	}
	for _, o := range opts {
		o(s)
	}
	s.handler = NewHandlerChain(h, s.middleware...)
	s.log = s.log.With().Str("component", "hbtp-server").Logger()
	return s, nil
}

// Start opens the listener (unless one was supplied) and arms the first accept.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if !s.lnGiven {
		h, addr, err := transport.Listen(s.cfg.ListenAddr, s.cfg.Backlog)
		if err != nil {
			return err
		}
		s.ln, s.addr = h, addr
	}
	s.acceptWG.Add(1)
	if err := s.armAccept(); err != nil {
		s.acceptWG.Done()
		if !s.lnGiven {
			_ = transport.Close(s.ln)
		}
		return fmt.Errorf("server: accept: %w", err)
	}
	s.log.Info().Str("addr", s.addr.String()).Int("worker", s.r.Assign(s.ln)).Msg("listening")
	return nil
}

// Addr is the bound listen address (zero when a listener was supplied).
func (s *Server) Addr() netip.AddrPort { return s.addr }

func (s *Server) armAccept() error {
	_, err := s.r.SubmitFunc(api.Interest{Op: api.OpAccept, Handle: s.ln}, s.onAccept)
	return err
}

func (s *Server) onAccept(c api.Completion) {
	if c.Err != nil {
		if s.closing.Load() || errors.Is(c.Err, api.ErrCancelled) || errors.Is(c.Err, api.ErrShutdownInProgress) {
			s.acceptWG.Done()
			return
		}
		s.log.Warn().Err(c.Err).Msg("accept failed")
		_, err := s.r.SubmitFunc(api.Interest{
			Op:       api.OpTimer,
			Handle:   s.ln,
			Deadline: time.Now().Add(s.cfg.AcceptBackoff),
		}, func(api.Completion) { s.rearm() })
		if err != nil {
			s.acceptWG.Done()
		}
		return
	}
	s.accepted.Add(1)
	s.open(c.Accepted)
	s.rearm()
}

func (s *Server) rearm() {
	if s.closing.Load() {
		s.acceptWG.Done()
		return
	}
	if err := s.armAccept(); err != nil {
		s.log.Error().Err(err).Msg("accept loop stopped")
		s.acceptWG.Done()
	}
}

// open runs on the listener's worker and hands h to its own worker.
func (s *Server) open(h api.Handle) {
	if s.closing.Load() {
		_ = transport.Close(h)
		return
	}
	worker := s.r.Assign(h)
	c := newConn(s, h)
	s.mu.Lock()
	s.conns[h] = c
	s.mu.Unlock()
	s.live.Add(1)
	s.log.Debug().Uint64("handle", uint64(h)).Int("worker", worker).Msg("connection accepted")

	if s.onConnect != nil {
		s.onConnect(c)
	}
	if err := s.r.Stream(h, c.onMessage, c.onStreamEnd); err != nil {
		c.closeWith(err)
	}
}

// forget runs once per connection after its socket is gone.
func (s *Server) forget(c *Conn, cause error) {
	s.mu.Lock()
	delete(s.conns, c.h)
	s.mu.Unlock()
	if s.onDisconnect != nil {
		s.onDisconnect(c, cause)
	}
	s.live.Done()
}

// Conns is the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) snapshot() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown stops accepting, lets every connection flush its queued frames
// and close, and force-closes whatever is left when ctx ends. The reactor
// keeps running; shut it down afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return ErrServerClosed
	}
	if !s.closing.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	if _, err := s.r.Submit(api.Interest{Op: api.OpClose, Handle: s.ln}); err != nil {
		s.log.Warn().Err(err).Msg("listener close not submitted")
		if !s.lnGiven {
			_ = transport.Close(s.ln)
		}
	}
	for _, c := range s.snapshot() {
		c.CloseAfterFlush()
	}

	done := make(chan struct{})
	go func() {
		s.acceptWG.Wait()
		s.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("server stopped")
		return nil
	case <-ctx.Done():
	}
	left := s.snapshot()
	for _, c := range left {
		_ = c.Close()
	}
	s.log.Warn().Int("conns", len(left)).Msg("shutdown deadline passed, connections closed")
	return ctx.Err()
}

// CollectMetrics publishes server counters into mr.
func (s *Server) CollectMetrics(mr *control.MetricsRegistry) {
	mr.Set("server.conns", s.Conns())
	mr.Set("server.accepted", s.accepted.Load())
	mr.Set("server.messages", s.messages.Load())
	mr.Set("server.frames_sent", s.sent.Load())
}
