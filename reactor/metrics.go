// File: reactor/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Worker counters exported to control.MetricsRegistry and control.DebugProbes.

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-hbtp/control"
)

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID         int
	CPU        int
	State      WorkerState
	Submitted  uint64
	Completed  uint64
	Retried    uint64
	TimedOut   uint64
	Cancelled  uint64
	Busy       uint64
	Rejected   uint64
	Pending    int64
	Handles    int64
	ArenaInUse int
	ArenaTotal int
}

// Stats snapshots every worker.
func (r *Reactor) Stats() []WorkerStats {
	out := make([]WorkerStats, len(r.workers))
	started := r.state.Load() > reactorStarting
	for i, w := range r.workers {
		s := WorkerStats{
			ID:        w.id,
			CPU:       w.cpu,
			State:     w.State(),
			Submitted: w.stats.submitted.Load(),
			Completed: w.stats.completed.Load(),
			Retried:   w.stats.retried.Load(),
			TimedOut:  w.stats.timedOut.Load(),
			Cancelled: w.stats.cancelled.Load(),
			Busy:      w.stats.busy.Load(),
			Rejected:  w.stats.rejected.Load(),
			Pending:   w.stats.pending.Load(),
			Handles:   r.routes.load(i),
		}
		if started && w.arena != nil {
			s.ArenaInUse, s.ArenaTotal = w.arena.Utilization()
		}
		out[i] = s
	}
	return out
}

// CollectMetrics publishes reactor and per-worker values into mr.
func (r *Reactor) CollectMetrics(mr *control.MetricsRegistry) {
	inUse, total := r.Utilization()
	mr.Set("reactor.backend", r.Backend().String())
	mr.Set("reactor.workers", len(r.workers))
	mr.Set("reactor.routes", r.routes.size())
	mr.Set("reactor.buffers.in_use", inUse)
	mr.Set("reactor.buffers.total", total)
	for _, s := range r.Stats() {
		p := fmt.Sprintf("worker.%d.", s.ID)
		mr.Set(p+"state", s.State.String())
		mr.Set(p+"submitted", s.Submitted)
		mr.Set(p+"completed", s.Completed)
		mr.Set(p+"retried", s.Retried)
		mr.Set(p+"timed_out", s.TimedOut)
		mr.Set(p+"cancelled", s.Cancelled)
		mr.Set(p+"busy", s.Busy)
		mr.Set(p+"rejected", s.Rejected)
		mr.Set(p+"pending", s.Pending)
		mr.Set(p+"handles", s.Handles)
		mr.Set(p+"arena.in_use", s.ArenaInUse)
	}
}

// RegisterProbes exposes worker snapshots and backend choice as debug probes.
func (r *Reactor) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("reactor.backend", func() any { return r.Backend().String() })
	dp.RegisterProbe("reactor.workers", func() any { return r.Stats() })
	dp.RegisterProbe("reactor.utilization", func() any {
		inUse, total := r.Utilization()
		return map[string]int{"in_use": inUse, "total": total}
	})
}
