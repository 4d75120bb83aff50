// File: facade/hioload.go
// Unified facade layer for hioload-hbtp.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hioload wires configuration, logging, the reactor, an HBTP server, metrics
// and debug probes behind one Start/Shutdown pair. Programs that need finer
// control use the reactor and server packages directly.

package facade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/control"
	"github.com/momentics/hioload-hbtp/internal/logging"
	"github.com/momentics/hioload-hbtp/reactor"
	"github.com/momentics/hioload-hbtp/server"
)

// Hioload is the main facade type.
type Hioload struct {
	store   *control.ConfigStore
	log     zerolog.Logger
	reactor *reactor.Reactor
	server  *server.Server
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
	scfg    *server.Config

	watchPath string
	cancel    context.CancelFunc

	mu      sync.Mutex
	started bool
}

var _ api.GracefulShutdown = (*Hioload)(nil)

// Option customizes New.
type Option func(*settings)

type settings struct {
	log        *zerolog.Logger
	scfg       *server.Config
	watch      string
	reactorOps []reactor.Option
	serverOps  []server.ServerOption
}

// WithLogger replaces the logger built from cfg.LogLevel.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = &l }
}

// WithServerConfig sets listener and write-queue parameters.
func WithServerConfig(c *server.Config) Option {
	return func(s *settings) { s.scfg = c }
}

// WithWatch hot-reloads the TOML file at path while the facade runs.
func WithWatch(path string) Option {
	return func(s *settings) { s.watch = path }
}

// WithReactorOptions passes options through to reactor.New.
func WithReactorOptions(opts ...reactor.Option) Option {
	return func(s *settings) { s.reactorOps = append(s.reactorOps, opts...) }
}

// WithServerOptions passes options through to server.NewServer.
func WithServerOptions(opts ...server.ServerOption) Option {
	return func(s *settings) { s.serverOps = append(s.serverOps, opts...) }
}

// New builds the reactor and server for cfg. Nothing runs until Start.
func New(cfg control.Config, h server.Handler, opts ...Option) (*Hioload, error) {
	var st settings
	for _, o := range opts {
		o(&st)
	}
	log := logging.New(cfg.LogLevel, os.Stderr)
	if st.log != nil {
		log = *st.log
	}
	if st.scfg == nil {
		st.scfg = server.DefaultConfig()
		st.scfg.ShutdownTimeout = cfg.DrainTimeout.Duration
	}

	f := &Hioload{
		store:     control.NewConfigStore(cfg),
		log:       log,
		metrics:   control.NewMetricsRegistry(),
		probes:    control.NewDebugProbes(),
		scfg:      st.scfg,
		watchPath: st.watch,
	}
	ropts := append([]reactor.Option{reactor.WithLogger(log), reactor.WithConfigStore(f.store)}, st.reactorOps...)
	r, err := reactor.New(cfg, ropts...)
	if err != nil {
		return nil, fmt.Errorf("reactor init failure: %w", err)
	}
	f.reactor = r
	srv, err := server.NewServer(r, st.scfg, h, st.serverOps...)
	if err != nil {
		return nil, fmt.Errorf("server init failure: %w", err)
	}
	f.server = srv

	control.RegisterPlatformProbes(f.probes)
	r.RegisterProbes(f.probes)
	f.probes.RegisterProbe("server.conns", func() any { return srv.Conns() })
	f.probes.RegisterProbe("config", func() any { return f.store.GetSnapshot() })
	return f, nil
}

// Start launches the workers, the config watcher and the listener.
// Subsequent calls have no effect.
func (f *Hioload) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if err := f.reactor.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	if f.watchPath != "" {
		if err := control.Watch(ctx, f.watchPath, f.store, f.log); err != nil {
			f.log.Warn().Err(err).Msg("config hot reload disabled")
		}
	}
	if err := f.server.Start(); err != nil {
		cancel()
		_, _ = f.reactor.Shutdown(context.Background())
		return err
	}
	f.started = true
	return nil
}

// Shutdown drains the server, then the workers. The server gets its own
// ShutdownTimeout bounded by ctx; the reactor gets what remains of ctx.
func (f *Hioload) Shutdown(ctx context.Context) (api.ShutdownReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return api.ShutdownReport{}, nil
	}
	f.started = false
	f.cancel()

	sctx := ctx
	if d := f.scfg.ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	serr := f.server.Shutdown(sctx)
	if serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		f.log.Warn().Err(serr).Msg("server shutdown")
	}
	return f.reactor.Shutdown(ctx)
}

// CollectMetrics refreshes and returns a snapshot of every counter.
func (f *Hioload) CollectMetrics() map[string]any {
	f.reactor.CollectMetrics(f.metrics)
	f.server.CollectMetrics(f.metrics)
	return f.metrics.GetSnapshot()
}

// Reactor exposes the underlying reactor.
func (f *Hioload) Reactor() *reactor.Reactor { return f.reactor }

// Server exposes the HBTP server.
func (f *Hioload) Server() *server.Server { return f.server }

// Config is the live configuration store.
func (f *Hioload) Config() *control.ConfigStore { return f.store }

// Probes returns the debug probe registry.
func (f *Hioload) Probes() *control.DebugProbes { return f.probes }

// Logger is the facade logger.
func (f *Hioload) Logger() zerolog.Logger { return f.log }
