// File: reactor/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Core-pinned worker. The worker goroutine is locked to one OS thread and is
// the only caller of its driver (apart from Wake). Other goroutines reach it
// through the inbox only.

package reactor

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-hbtp/affinity"
	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/internal/concurrency"
	"github.com/momentics/hioload-hbtp/pool"
)

type reqKind uint8

const (
	reqSubmit reqKind = iota
	reqCancel
	reqRelease
)

type request struct {
	kind reqKind
	in   api.Interest
	fut  *Future
}

type opState uint8

const (
	opBacklog opState = iota // accepted, not yet taken by the driver
	opQueued                 // owned by the driver
	opTimer                  // worker-side timer
	opZombie                 // caller answered; waiting for the backend's own completion
)

type op struct {
	tok      api.Token
	in       api.Interest
	buf      *pool.Buffer
	fut      *Future
	hs       *handleState
	state    opState
	deadline time.Time
}

// handleState enforces one operation per direction on a handle.
type handleState struct {
	in, out    api.Token
	ops        int
	registered bool
	closing    bool
	releasing  bool
}

type counters struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	retried   atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	busy      atomic.Uint64
	rejected  atomic.Uint64
	pending   atomic.Int64
}

const (
	// forceGrace bounds how long a forced worker waits for the backend to
	// acknowledge cancellations before closing the driver.
	forceGrace  = 250 * time.Millisecond
	backlogSpin = time.Millisecond
)

type worker struct {
	id  int
	cpu int
	r   *Reactor
	log zerolog.Logger

	drv   api.Driver
	arena *pool.Arena
	inbox *concurrency.Queue[request]

	// worker goroutine only
	backlog  *queue.Queue
	timers   concurrency.TimerQueue[api.Token]
	ops      map[api.Token]*op
	handles  map[api.Handle]*handleState
	lastTok  api.Token
	events   []api.Completion
	forced   bool
	forcedAt time.Time

	state    atomic.Int32
	sleeping atomic.Bool
	drainReq atomic.Bool
	forceReq atomic.Bool
	entering atomic.Int32
	ready    chan error
	done     chan struct{}

	// written before done is closed
	cancelled []api.Handle
	stats     counters
}

func newWorker(r *Reactor, id, cpu int) *worker {
	return &worker{
		id:      id,
		cpu:     cpu,
		r:       r,
		log:     r.log.With().Int("worker", id).Int("cpu", cpu).Logger(),
		inbox:   concurrency.NewQueue[request](r.cfg.QueueDepth),
		backlog: queue.New(),
		ops:     make(map[api.Token]*op),
		handles: make(map[api.Handle]*handleState),
		events:  make([]api.Completion, r.cfg.PollBatch),
		ready:   make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// State is safe to read from any goroutine.
func (w *worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *worker) run() error {
	defer close(w.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.start(); err != nil {
		w.state.Store(int32(StateStopped))
		w.ready <- err
		return err
	}
	w.state.Store(int32(StateRunning))
	w.ready <- nil
	w.log.Debug().Str("backend", w.drv.Kind().String()).Bool("zero_copy", w.drv.ZeroCopy()).Msg("worker running")

	w.loop()
	w.stop()
	return nil
}

func (w *worker) start() error {
	if w.r.cfg.PinThreads {
		if err := affinity.SetAffinity(w.cpu); err != nil {
			if errors.Is(err, affinity.ErrUnsupported) {
				w.log.Debug().Msg("cpu pinning not supported, running unpinned")
			} else {
				w.log.Warn().Err(err).Msg("cpu pinning failed, running unpinned")
			}
		}
	}
	arena, err := pool.NewArena(pool.ArenaConfig{Slots: w.r.cfg.BuffersPerWorker, SlotSize: w.r.cfg.BufferSize})
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	drv, err := w.r.opts.factory(w.id)
	if err != nil {
		_ = arena.Close()
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	if err := drv.RegisterBuffers(arena.Regions()); err != nil {
		w.log.Warn().Err(err).Msg("buffer registration failed, using unregistered I/O")
	}
	w.arena, w.drv = arena, drv
	return nil
}

func (w *worker) loop() {
	for {
		w.drainInbox()
		if w.drainReq.Load() && w.State() == StateRunning {
			w.state.Store(int32(StateDraining))
			w.log.Debug().Int("pending", len(w.ops)).Msg("draining")
		}
		if w.forceReq.Load() && !w.forced {
			w.forceCancel()
		}
		w.pump()

		if w.State() == StateDraining && len(w.ops) == 0 {
			return
		}
		if w.forced && time.Since(w.forcedAt) > forceGrace {
			w.log.Warn().Int("abandoned", len(w.ops)).Msg("backend did not acknowledge cancellations")
			return
		}

		timeout := w.pollTimeout()
		if timeout != 0 {
			w.sleeping.Store(true)
			if w.inbox.Len() > 0 || w.flagsPending() {
				timeout = 0
			}
		}
		n, err := w.drv.Poll(timeout, w.events)
		w.sleeping.Store(false)
		if err != nil {
			if errors.Is(err, api.ErrDriverClosed) {
				return
			}
			w.log.Error().Err(err).Msg("poll failed")
			time.Sleep(backlogSpin)
		}
		for i := 0; i < n; i++ {
			w.dispatch(w.events[i])
			w.events[i] = api.Completion{}
		}
		w.timers.Expire(time.Now(), w.expire)
	}
}

func (w *worker) flagsPending() bool {
	return (w.drainReq.Load() && w.State() == StateRunning) || (w.forceReq.Load() && !w.forced)
}

func (w *worker) pollTimeout() time.Duration {
	if w.backlog.Length() > 0 {
		return backlogSpin
	}
	timeout := time.Duration(-1)
	if at, ok := w.timers.Next(); ok {
		if timeout = time.Until(at); timeout < 0 {
			timeout = 0
		}
	}
	if w.forced && (timeout < 0 || timeout > forceGrace/10) {
		timeout = forceGrace / 10
	}
	return timeout
}

// post is called from any goroutine.
func (w *worker) post(req request) error {
	w.entering.Add(1)
	defer w.entering.Add(-1)
	if req.kind == reqSubmit && w.State() == StateStopped {
		return api.ErrShutdownInProgress
	}
	if !w.inbox.Push(req) {
		return api.ErrSubmissionQueueFull
	}
	w.wake()
	return nil
}

func (w *worker) wake() {
	if w.sleeping.CompareAndSwap(true, false) {
		if err := w.drv.Wake(); err != nil {
			w.log.Debug().Err(err).Msg("wake failed")
		}
	}
}

func (w *worker) drainInbox() {
	for i := w.inbox.Cap(); i > 0; i-- {
		req, ok := w.inbox.Pop()
		if !ok {
			return
		}
		switch req.kind {
		case reqSubmit:
			w.accept(req)
		case reqCancel:
			w.cancel(req.fut)
		case reqRelease:
			w.release(req.in.Handle)
		}
	}
}

func (w *worker) admit(req request) *op {
	w.lastTok++
	o := &op{tok: w.lastTok, in: req.in, fut: req.fut}
	req.fut.tok.Store(uint64(o.tok))
	w.stats.submitted.Add(1)
	return o
}

func (w *worker) accept(req request) {
	o := w.admit(req)
	if w.State() != StateRunning {
		w.reject(o, api.ErrShutdownInProgress)
		return
	}
	if err := o.in.Validate(); err != nil {
		w.reject(o, err)
		return
	}
	if o.in.Buffer != nil {
		b, ok := w.arena.Own(o.in.Buffer)
		if !ok {
			w.reject(o, fmt.Errorf("buffer is not from worker %d arena: %w", w.id, api.ErrInvalidArgument))
			return
		}
		if err := b.BeginIO(); err != nil {
			w.reject(o, fmt.Errorf("%v: %w", err, api.ErrInvalidArgument))
			return
		}
		o.buf = b
	}
	if o.in.Op == api.OpTimer {
		o.state = opTimer
		o.deadline = o.in.Deadline
		w.track(o)
		w.timers.Schedule(o.deadline, o.tok)
		return
	}

	h := o.in.Handle
	hs := w.handles[h]
	if hs == nil {
		hs = &handleState{}
		w.handles[h] = hs
	}
	dir := o.in.Op.Direction()
	switch {
	case hs.closing || hs.releasing:
		w.busy(o, h, hs)
		return
	case o.in.Op != api.OpClose && ((dir&api.DirInbound != 0 && hs.in != 0) || (dir&api.DirOutbound != 0 && hs.out != 0)):
		w.busy(o, h, hs)
		return
	}
	if !hs.registered {
		if err := w.drv.Register(h); err != nil {
			w.dropIfIdle(h, hs)
			w.reject(o, err)
			return
		}
		hs.registered = true
	}

	o.hs = hs
	switch {
	case o.in.Op == api.OpClose:
		hs.closing = true
		w.abortHandle(hs)
	case dir == api.DirInbound:
		hs.in = o.tok
	case dir == api.DirOutbound:
		hs.out = o.tok
	}
	hs.ops++

	o.deadline = o.in.Deadline
	if o.deadline.IsZero() && o.in.Op != api.OpAccept && o.in.Op != api.OpClose {
		if d := w.r.OpTimeout(); d > 0 {
			o.deadline = time.Now().Add(d)
		}
	}
	if !o.deadline.IsZero() {
		w.timers.Schedule(o.deadline, o.tok)
	}
	o.state = opBacklog
	w.track(o)
	w.backlog.Add(o)
}

func (w *worker) busy(o *op, h api.Handle, hs *handleState) {
	w.stats.busy.Add(1)
	w.dropIfIdle(h, hs)
	w.reject(o, api.ErrHandleBusy)
}

func (w *worker) dropIfIdle(h api.Handle, hs *handleState) {
	if hs.ops == 0 && !hs.registered {
		delete(w.handles, h)
	}
}

// abortHandle cancels what is outstanding on a handle being closed.
func (w *worker) abortHandle(hs *handleState) {
	for _, tok := range [2]api.Token{hs.in, hs.out} {
		if o := w.ops[tok]; tok != 0 && o != nil {
			w.cancelOp(o)
		}
	}
}

func (w *worker) track(o *op) {
	w.ops[o.tok] = o
	w.stats.pending.Add(1)
}

// pump hands backlogged operations to the driver in FIFO order, which keeps
// per-handle submission order, and flushes them.
func (w *worker) pump() {
	for {
		for w.backlog.Length() > 0 {
			o := w.backlog.Peek().(*op)
			if w.ops[o.tok] != o || o.state != opBacklog {
				w.backlog.Remove()
				continue
			}
			err := w.drv.Submit(o.tok, &o.in)
			if errors.Is(err, api.ErrQueueFull) {
				break
			}
			w.backlog.Remove()
			if err != nil {
				w.finish(o)
				w.deliver(o, api.Fail(o.tok, err), true)
				continue
			}
			o.state = opQueued
		}
		n, err := w.drv.Flush()
		if err != nil {
			w.log.Error().Err(err).Msg("flush failed")
			return
		}
		if n == 0 || w.backlog.Length() == 0 {
			return
		}
	}
}

func (w *worker) dispatch(c api.Completion) {
	o := w.ops[c.Token]
	if o == nil || o.state == opTimer || o.state == opBacklog {
		w.log.Debug().Uint64("token", uint64(c.Token)).Msg("stale completion dropped")
		return
	}
	if o.state == opZombie {
		w.retire(o)
		return
	}
	if c.Result == api.ResultWouldBlock {
		w.stats.retried.Add(1)
		o.state = opBacklog
		w.backlog.Add(o)
		return
	}
	if o.buf != nil && o.in.Op == api.OpRead && c.Result == api.ResultBytes {
		n := c.N
		if n > len(o.buf.Bytes()) {
			n = len(o.buf.Bytes())
		}
		o.buf.SetLen(n)
	}
	w.finish(o)
	w.deliver(o, c, true)
}

// expire fires timers and enforces deadlines.
func (w *worker) expire(at time.Time, tok api.Token) {
	o := w.ops[tok]
	if o == nil || !o.deadline.Equal(at) {
		return
	}
	switch o.state {
	case opTimer:
		w.finish(o)
		w.deliver(o, api.Succeed(tok, 0), true)
	case opBacklog:
		w.finish(o)
		w.deliver(o, api.Fail(tok, api.ErrTimedOut), true)
	case opQueued:
		// The slot may still be written by the kernel; keep it until the
		// backend reports.
		o.state = opZombie
		w.cancelBackend(tok)
		w.deliver(o, api.Fail(tok, api.ErrTimedOut), false)
	}
}

func (w *worker) cancel(f *Future) {
	o := w.ops[api.Token(f.tok.Load())]
	if o == nil || o.fut != f {
		return
	}
	w.cancelOp(o)
}

// cancelOp completes operations the backend never saw and asks the backend
// about the rest; a queued operation gets whichever completion the backend
// reports first.
func (w *worker) cancelOp(o *op) {
	switch o.state {
	case opTimer, opBacklog:
		w.finish(o)
		w.deliver(o, api.Fail(o.tok, api.ErrCancelled), true)
	case opQueued:
		w.cancelBackend(o.tok)
	}
}

func (w *worker) cancelBackend(tok api.Token) {
	if err := w.drv.Cancel(tok); err != nil {
		w.log.Debug().Err(err).Uint64("token", uint64(tok)).Msg("backend cancel failed")
	}
}

func (w *worker) release(h api.Handle) {
	hs := w.handles[h]
	if hs == nil {
		w.r.routes.release(h)
		return
	}
	hs.releasing = true
	if hs.ops == 0 {
		w.deregister(h, hs)
	}
}

func (w *worker) deregister(h api.Handle, hs *handleState) {
	if hs.registered {
		if err := w.drv.Deregister(h); err != nil {
			w.log.Debug().Err(err).Uint64("handle", uint64(h)).Msg("deregister failed")
		}
	}
	if w.handles[h] == hs {
		delete(w.handles, h)
	}
	w.r.routes.release(h)
}

// finish removes o from the worker's books. It does not deliver.
func (w *worker) finish(o *op) {
	delete(w.ops, o.tok)
	w.stats.pending.Add(-1)
	hs := o.hs
	if hs == nil {
		return
	}
	if hs.in == o.tok {
		hs.in = 0
	}
	if hs.out == o.tok {
		hs.out = 0
	}
	hs.ops--
	h := o.in.Handle
	switch {
	case o.in.Op == api.OpClose:
		// The backend dropped the handle with the close.
		if w.handles[h] == hs {
			delete(w.handles, h)
		}
		w.r.routes.release(h)
	case hs.releasing && hs.ops == 0:
		w.deregister(h, hs)
	}
}

// retire swallows the late backend completion of an operation the caller
// already saw finish, and reclaims its slot.
func (w *worker) retire(o *op) {
	w.finish(o)
	if o.buf != nil {
		o.buf.EndIO()
		_ = w.arena.Return(o.buf)
	}
}

func (w *worker) reject(o *op, err error) {
	w.stats.rejected.Add(1)
	w.deliver(o, api.Fail(o.tok, err), true)
}

// deliver hands c to the caller. withBuf attaches the interest buffer; it is
// false while the backend may still hold the slot.
func (w *worker) deliver(o *op, c api.Completion, withBuf bool) {
	c.Token, c.Handle, c.Op = o.tok, o.in.Handle, o.in.Op
	c.Buffer = nil
	if withBuf {
		c.Buffer = o.in.Buffer
		if o.buf != nil {
			o.buf.EndIO()
		}
	}
	switch api.Code(c.Err) {
	case api.ErrCodeCancelled:
		w.stats.cancelled.Add(1)
	case api.ErrCodeTimedOut:
		w.stats.timedOut.Add(1)
	}
	w.stats.completed.Add(1)
	if fn := o.fut.fn; fn != nil {
		w.invoke(fn, c)
		if withBuf && o.buf != nil {
			o.buf.Settle()
		}
	}
	o.fut.resolve(c)
}

func (w *worker) invoke(fn func(api.Completion), c api.Completion) {
	defer func() {
		if p := recover(); p != nil {
			w.log.Error().Interface("panic", p).Uint64("token", uint64(c.Token)).Msg("completion callback panicked")
		}
	}()
	fn(c)
}

// forceCancel answers every outstanding operation with ErrCancelled and
// records the affected handles.
func (w *worker) forceCancel() {
	w.forced = true
	w.forcedAt = time.Now()
	seen := make(map[api.Handle]bool)
	for _, o := range w.ops {
		if o.state == opZombie {
			continue
		}
		if o.in.Op != api.OpTimer && !seen[o.in.Handle] {
			seen[o.in.Handle] = true
			w.cancelled = append(w.cancelled, o.in.Handle)
		}
		switch o.state {
		case opTimer, opBacklog:
			w.finish(o)
			w.deliver(o, api.Fail(o.tok, api.ErrCancelled), true)
		case opQueued:
			o.state = opZombie
			w.cancelBackend(o.tok)
			w.deliver(o, api.Fail(o.tok, api.ErrCancelled), false)
		}
	}
	w.log.Warn().Int("handles", len(seen)).Msg("drain deadline passed, operations force-cancelled")
}

func (w *worker) stop() {
	w.state.Store(int32(StateStopped))
	// Answer submissions that raced with the state change.
	for {
		if req, ok := w.inbox.Pop(); ok {
			if req.kind == reqSubmit {
				w.reject(w.admit(req), api.ErrShutdownInProgress)
			}
			continue
		}
		if w.entering.Load() == 0 && w.inbox.Len() == 0 {
			break
		}
		runtime.Gosched()
	}

	if err := w.drv.Close(); err != nil {
		w.log.Warn().Err(err).Msg("driver close failed")
	}
	for _, o := range w.ops {
		if o.state != opZombie {
			if o.in.Op != api.OpTimer {
				w.cancelled = append(w.cancelled, o.in.Handle)
			}
			w.deliver(o, api.Fail(o.tok, api.ErrCancelled), false)
		}
		if o.buf != nil {
			o.buf.EndIO()
			_ = w.arena.Return(o.buf)
		}
	}
	if inUse, total := w.arena.Utilization(); inUse > 0 {
		w.log.Warn().Int("in_use", inUse).Int("total", total).Msg("buffers still checked out at shutdown")
	}
	if err := w.arena.Close(); err != nil {
		w.log.Warn().Err(err).Msg("arena release failed")
	}
	w.log.Debug().Msg("worker stopped")
}
