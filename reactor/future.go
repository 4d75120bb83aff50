// File: reactor/future.go
// Author: momentics <momentics@gmail.com>
//
// Future resolves once with the completion of one submitted interest.

package reactor

import (
	"context"
	"sync/atomic"

	"github.com/momentics/hioload-hbtp/api"
)

// Future is returned by Submit and SubmitFunc. A non-nil Completion.Buffer
// belongs to the caller once the future resolves (callback mode settles it
// automatically unless the callback calls Retain).
type Future struct {
	w    *worker
	fn   func(api.Completion)
	tok  atomic.Uint64
	done chan struct{}
	c    api.Completion
}

func newFuture(w *worker, fn func(api.Completion)) *Future {
	return &Future{w: w, fn: fn, done: make(chan struct{})}
}

// Token is the worker-issued token, or zero until the worker accepts the
// submission.
func (f *Future) Token() api.Token { return api.Token(f.tok.Load()) }

// Done is closed when the completion is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the completion arrives or ctx ends.
func (f *Future) Wait(ctx context.Context) (api.Completion, error) {
	select {
	case <-f.done:
		return f.c, nil
	case <-ctx.Done():
		return api.Completion{}, ctx.Err()
	}
}

// Result returns the completion without blocking.
func (f *Future) Result() (api.Completion, bool) {
	select {
	case <-f.done:
		return f.c, true
	default:
		return api.Completion{}, false
	}
}

// Cancel asks the owning worker to cancel the operation. If the backend has
// already completed it, the original completion is delivered instead.
func (f *Future) Cancel() error {
	return f.w.post(request{kind: reqCancel, fut: f})
}

// resolve runs on the worker thread.
func (f *Future) resolve(c api.Completion) {
	f.c = c
	close(f.done)
}
