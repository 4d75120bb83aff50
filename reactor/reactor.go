// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor coordinator: starts the workers, routes handles to them and runs
// graceful shutdown.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/control"
	"github.com/momentics/hioload-hbtp/driver"
	"github.com/momentics/hioload-hbtp/internal/concurrency"
	"github.com/momentics/hioload-hbtp/internal/logging"
	"github.com/momentics/hioload-hbtp/pool"
)

// Reactor owns the workers. All methods are safe for concurrent use.
type Reactor struct {
	cfg     control.Config
	opts    options
	log     zerolog.Logger
	level   *logging.Level
	kind    api.BackendKind
	policy  Policy
	workers []*worker
	routes  *routeTable
	group   errgroup.Group

	state     atomic.Int32
	opTimeout atomic.Int64
	maxFrame  atomic.Uint32

	stopped chan struct{}
	report  api.ShutdownReport
	stopErr error
}

var _ api.GracefulShutdown = (*Reactor)(nil)

// New validates cfg and prepares the workers. Nothing runs until Start.
func New(cfg control.Config, opts ...Option) (*Reactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	o := options{log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	policy, err := ParsePolicy(cfg.Assignment)
	if err != nil {
		return nil, err
	}
	kind, err := driver.ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}

	r := &Reactor{cfg: cfg, opts: o, policy: policy, stopped: make(chan struct{})}
	r.level = logging.NewLevel(cfg.LogLevel)
	r.log = logging.Attach(o.log, r.level)
	if r.opts.factory == nil {
		// Selection happens once; every worker opens the same kind.
		if kind, err = driver.Select(kind); err != nil {
			return nil, fmt.Errorf("reactor: %w", err)
		}
		r.kind = kind
		r.opts.factory = func(id int) (api.Driver, error) {
			return driver.Open(driver.Options{
				Kind:        kind,
				RingEntries: uint32(cfg.RingEntries),
				PollBatch:   cfg.PollBatch,
				Logger:      r.log.With().Int("worker", id).Logger(),
			})
		}
	}
	r.applyHot(cfg)

	n := cfg.Workers
	if n == 0 {
		n = concurrency.PhysicalCores()
	}
	cpus := o.cpus
	if len(cpus) == 0 {
		cpus = concurrency.WorkerCPUs()
	}
	if len(cpus) == 0 {
		cpus = []int{0}
	}
	r.routes = newRouteTable(n, policy)
	for i := 0; i < n; i++ {
		r.workers = append(r.workers, newWorker(r, i, cpus[i%len(cpus)]))
	}
	return r, nil
}

// Start launches the workers and waits until each has its driver and arena.
func (r *Reactor) Start() error {
	if !r.state.CompareAndSwap(reactorCreated, reactorStarting) {
		return fmt.Errorf("reactor: already started: %w", api.ErrInvalidArgument)
	}
	for _, w := range r.workers {
		r.group.Go(w.run)
	}
	var errs []error
	for _, w := range r.workers {
		if err := <-w.ready; err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		r.state.Store(reactorStopping)
		for _, w := range r.workers {
			w.drainReq.Store(true)
			w.forceReq.Store(true)
			w.wake()
		}
		_ = r.group.Wait()
		r.state.Store(reactorStopped)
		close(r.stopped)
		return fmt.Errorf("reactor: start: %w", errors.Join(errs...))
	}
	if r.kind == api.BackendAuto {
		r.kind = r.workers[0].drv.Kind()
	}
	if r.opts.store != nil {
		r.opts.store.OnReload(func(_, cur control.Config) { r.applyHot(cur) })
	}
	r.state.Store(reactorRunning)
	r.log.Info().
		Str("backend", r.kind.String()).
		Int("workers", len(r.workers)).
		Str("assignment", r.policy.String()).
		Msg("reactor started")
	return nil
}

func (r *Reactor) applyHot(cfg control.Config) {
	r.opTimeout.Store(int64(cfg.OpTimeout.Duration))
	r.maxFrame.Store(uint32(cfg.MaxFrameSize))
	r.level.Set(cfg.LogLevel)
}

// OpTimeout is the deadline applied to reads, writes and connects submitted
// without one.
func (r *Reactor) OpTimeout() time.Duration { return time.Duration(r.opTimeout.Load()) }

// MaxFrameSize is the live HBTP payload limit.
func (r *Reactor) MaxFrameSize() uint32 { return r.maxFrame.Load() }

// Backend is the backend every worker runs.
func (r *Reactor) Backend() api.BackendKind { return r.kind }

// Workers is the worker count.
func (r *Reactor) Workers() int { return len(r.workers) }

// WorkerState reports the lifecycle state of worker i.
func (r *Reactor) WorkerState(i int) WorkerState { return r.workers[i].State() }

// Logger returns the reactor logger.
func (r *Reactor) Logger() zerolog.Logger { return r.log }

// Submit queues in on the worker owning in.Handle. A Read with a nil Buffer
// gets a slot from that worker's arena; exhaustion is reported here.
func (r *Reactor) Submit(in api.Interest) (*Future, error) {
	return r.submit(in, nil)
}

// SubmitFunc is Submit with a callback that runs on the worker thread before
// the future resolves. The callback must not block.
func (r *Reactor) SubmitFunc(in api.Interest, fn func(api.Completion)) (*Future, error) {
	if fn == nil {
		return nil, api.ErrInvalidArgument
	}
	return r.submit(in, fn)
}

func (r *Reactor) submit(in api.Interest, fn func(api.Completion)) (*Future, error) {
	if r.state.Load() != reactorRunning {
		return nil, api.ErrShutdownInProgress
	}
	w := r.owner(in)
	var own *pool.Buffer
	if in.Op == api.OpRead && in.Buffer == nil {
		b, err := w.arena.Checkout()
		if err != nil {
			return nil, err
		}
		in.Buffer, own = b, b
	}
	f := newFuture(w, fn)
	if err := w.post(request{kind: reqSubmit, in: in, fut: f}); err != nil {
		if own != nil {
			_ = w.arena.Return(own)
		}
		return nil, err
	}
	return f, nil
}

func (r *Reactor) owner(in api.Interest) *worker {
	if in.Op == api.OpTimer {
		// Timers follow their handle when it is routed, and are not pinned otherwise.
		if idx, ok := r.routes.peek(in.Handle); ok {
			return r.workers[idx]
		}
		return r.workers[r.routes.pick(in.Handle)]
	}
	return r.workers[r.routes.lookup(in.Handle)]
}

// Cancel cancels the operation behind f.
func (r *Reactor) Cancel(f *Future) error { return f.Cancel() }

// Assign pins h to a worker (if it is not already) and returns the worker
// index. Accept handlers call it once per new connection.
func (r *Reactor) Assign(h api.Handle) int { return r.routes.lookup(h) }

// WorkerOf reports the worker h is pinned to.
func (r *Reactor) WorkerOf(h api.Handle) (int, bool) { return r.routes.peek(h) }

// Release unpins h without closing it. Outstanding operations finish first;
// the handle is then deregistered from its driver.
func (r *Reactor) Release(h api.Handle) error {
	idx, ok := r.routes.peek(h)
	if !ok {
		return api.ErrNotRegistered
	}
	if r.state.Load() != reactorRunning {
		r.routes.release(h)
		return nil
	}
	return r.workers[idx].post(request{kind: reqRelease, in: api.Interest{Handle: h}})
}

// Checkout takes a slot from the arena of the worker owning h. Buffers used
// in an Interest must come from that arena.
func (r *Reactor) Checkout(h api.Handle) (*pool.Buffer, error) {
	if r.state.Load() != reactorRunning {
		return nil, api.ErrShutdownInProgress
	}
	return r.workers[r.routes.lookup(h)].arena.Checkout()
}

// Utilization sums arena usage across workers.
func (r *Reactor) Utilization() (inUse, total int) {
	if st := r.state.Load(); st == reactorCreated || st == reactorStarting {
		return 0, 0
	}
	for _, w := range r.workers {
		if w.arena == nil {
			continue
		}
		u, t := w.arena.Utilization()
		inUse += u
		total += t
	}
	return inUse, total
}

// Shutdown stops intake, lets workers drain until ctx ends (or the configured
// drain_timeout when ctx has no deadline), then force-cancels the rest. The
// report lists every handle that had operations force-cancelled. Buffers
// must not be used after Shutdown returns.
func (r *Reactor) Shutdown(ctx context.Context) (api.ShutdownReport, error) {
	if !r.state.CompareAndSwap(reactorRunning, reactorStopping) {
		if r.state.CompareAndSwap(reactorCreated, reactorStopped) {
			close(r.stopped)
			return api.ShutdownReport{}, nil
		}
		select {
		case <-r.stopped:
			return r.report, r.stopErr
		case <-ctx.Done():
			return api.ShutdownReport{}, ctx.Err()
		}
	}
	if _, ok := ctx.Deadline(); !ok && r.cfg.DrainTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DrainTimeout.Duration)
		defer cancel()
	}

	r.log.Info().Msg("reactor draining")
	for _, w := range r.workers {
		w.drainReq.Store(true)
		w.wake()
	}
	all := make(chan struct{})
	go func() {
		for _, w := range r.workers {
			<-w.done
		}
		close(all)
	}()
	select {
	case <-all:
	case <-ctx.Done():
		for _, w := range r.workers {
			w.forceReq.Store(true)
			w.wake()
		}
		<-all
	}
	err := r.group.Wait()

	var report api.ShutdownReport
	seen := make(map[api.Handle]bool)
	for _, w := range r.workers {
		report.Forced = report.Forced || w.forced
		for _, h := range w.cancelled {
			if !seen[h] {
				seen[h] = true
				report.Cancelled = append(report.Cancelled, h)
			}
		}
	}
	sort.Slice(report.Cancelled, func(i, j int) bool { return report.Cancelled[i] < report.Cancelled[j] })

	r.report, r.stopErr = report, err
	r.state.Store(reactorStopped)
	close(r.stopped)
	r.log.Info().Bool("forced", report.Forced).Int("cancelled_handles", len(report.Cancelled)).Msg("reactor stopped")
	return report, err
}
