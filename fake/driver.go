// File: fake/driver.go
// Author: momentics <momentics@gmail.com>
//
// Scripted api.Driver. Tests drive completions by hand (data arrival,
// would-block, errors) while a worker polls it on its own thread.

package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-hbtp/api"
)

// Op is an operation the driver has accepted and not yet completed.
type Op struct {
	Token    api.Token
	Interest api.Interest
}

// Driver is a fake implementation of api.Driver.
type Driver struct {
	mu         sync.Mutex
	kind       api.BackendKind
	depth      int
	queued     []Op
	inflight   map[api.Token]Op
	order      []api.Token
	ready      []api.Completion
	registered map[api.Handle]bool
	regions    [][]byte
	cancels    []api.Token
	submits    int
	closed     bool
	wake       chan struct{}

	// Auto, when set, may complete an op the moment it is flushed.
	Auto func(op Op) (api.Completion, bool)
}

// NewDriver creates a driver whose submission queue holds depth entries
// (0 means unbounded). Close ops complete immediately and cancel the
// handle's other ops, like the real backends.
func NewDriver(depth int) *Driver {
	return &Driver{
		kind:       api.BackendEpoll,
		depth:      depth,
		inflight:   make(map[api.Token]Op),
		registered: make(map[api.Handle]bool),
		wake:       make(chan struct{}, 1),
	}
}

func (d *Driver) Kind() api.BackendKind { return d.kind }
func (d *Driver) ZeroCopy() bool        { return false }

func (d *Driver) RegisterBuffers(regions [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regions = regions
	return nil
}

func (d *Driver) Register(h api.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return api.ErrDriverClosed
	}
	d.registered[h] = true
	return nil
}

func (d *Driver) Deregister(h api.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registered[h] {
		return api.ErrNotRegistered
	}
	delete(d.registered, h)
	return nil
}

func (d *Driver) Submit(tok api.Token, in *api.Interest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return api.ErrDriverClosed
	case in.Op == api.OpTimer:
		return api.ErrUnsupportedOperation
	case !d.registered[in.Handle]:
		return api.ErrNotRegistered
	case d.depth > 0 && len(d.queued) >= d.depth:
		return api.ErrQueueFull
	}
	d.queued = append(d.queued, Op{Token: tok, Interest: *in})
	d.submits++
	return nil
}

func (d *Driver) Flush() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queued)
	for _, op := range d.queued {
		if op.Interest.Op == api.OpClose {
			d.closeLocked(op)
			continue
		}
		if d.Auto != nil {
			if c, ok := d.Auto(op); ok {
				d.pushLocked(op, c)
				continue
			}
		}
		d.inflight[op.Token] = op
		d.order = append(d.order, op.Token)
	}
	d.queued = d.queued[:0]
	return n, nil
}

func (d *Driver) closeLocked(op Op) {
	h := op.Interest.Handle
	for _, tok := range d.order {
		if other, ok := d.inflight[tok]; ok && other.Interest.Handle == h {
			delete(d.inflight, tok)
			d.pushLocked(other, api.Fail(tok, api.ErrCancelled))
		}
	}
	delete(d.registered, h)
	d.pushLocked(op, api.Succeed(op.Token, 0))
}

func (d *Driver) pushLocked(op Op, c api.Completion) {
	c.Token = op.Token
	c.Handle = op.Interest.Handle
	c.Op = op.Interest.Op
	d.ready = append(d.ready, c)
	d.signal()
}

func (d *Driver) Poll(timeout time.Duration, out []api.Completion) (int, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, api.ErrDriverClosed
		}
		if len(d.ready) > 0 {
			n := copy(out, d.ready)
			d.ready = append(d.ready[:0], d.ready[n:]...)
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()
		if timeout == 0 {
			return 0, nil
		}
		select {
		case <-d.wake:
			// A wake with nothing ready still returns, like eventfd does.
			d.mu.Lock()
			empty := len(d.ready) == 0
			d.mu.Unlock()
			if empty {
				return 0, nil
			}
		case <-timer:
			return 0, nil
		}
	}
}

// Cancel completes an in-flight op with ErrCancelled. Unknown tokens,
// including ones whose completion is already queued, are ignored.
func (d *Driver) Cancel(tok api.Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, tok)
	for i, op := range d.queued {
		if op.Token == tok {
			d.queued = append(d.queued[:i], d.queued[i+1:]...)
			d.pushLocked(op, api.Fail(tok, api.ErrCancelled))
			return nil
		}
	}
	if op, ok := d.inflight[tok]; ok {
		delete(d.inflight, tok)
		d.pushLocked(op, api.Fail(tok, api.ErrCancelled))
	}
	return nil
}

func (d *Driver) Wake() error {
	d.signal()
	return nil
}

func (d *Driver) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.signal()
	return nil
}

// Pending lists in-flight ops in flush order.
func (d *Driver) Pending() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []Op
	live := d.order[:0]
	for _, tok := range d.order {
		if op, ok := d.inflight[tok]; ok {
			ops = append(ops, op)
			live = append(live, tok)
		}
	}
	d.order = live
	return ops
}

// Await waits until an op of kind k on h is in flight.
func (d *Driver) Await(h api.Handle, k api.OpKind, timeout time.Duration) (Op, bool) {
	deadline := time.Now().Add(timeout)
	for {
		for _, op := range d.Pending() {
			if op.Interest.Handle == h && op.Interest.Op == k {
				return op, true
			}
		}
		if time.Now().After(deadline) {
			return Op{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Complete finishes tok with c. It reports false if tok is not in flight.
func (d *Driver) Complete(tok api.Token, c api.Completion) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.inflight[tok]
	if !ok {
		return false
	}
	delete(d.inflight, tok)
	d.pushLocked(op, c)
	return true
}

// Deliver copies data into the op's buffer and completes it with len(data)
// bytes. Write ops complete with the bytes past their offset.
func (d *Driver) Deliver(tok api.Token, data []byte) bool {
	d.mu.Lock()
	op, ok := d.inflight[tok]
	d.mu.Unlock()
	if !ok {
		return false
	}
	n := len(data)
	switch op.Interest.Op {
	case api.OpRead:
		n = copy(op.Interest.Buffer.Bytes(), data)
	case api.OpWrite:
		n = op.Interest.Buffer.Len() - op.Interest.Offset
	}
	return d.Complete(tok, api.Succeed(tok, n))
}

// WouldBlock reports tok as not ready; the worker is expected to resubmit it.
func (d *Driver) WouldBlock(tok api.Token) bool {
	return d.Complete(tok, api.Completion{Token: tok, Result: api.ResultWouldBlock})
}

// Cancels lists every token passed to Cancel.
func (d *Driver) Cancels() []api.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]api.Token(nil), d.cancels...)
}

// Submits counts accepted Submit calls, including resubmissions.
func (d *Driver) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// Regions returns what RegisterBuffers received.
func (d *Driver) Regions() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regions
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
