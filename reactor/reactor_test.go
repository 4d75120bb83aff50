package reactor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/control"
	"github.com/momentics/hioload-hbtp/fake"
	"github.com/momentics/hioload-hbtp/pool"
)

const waitFor = 2 * time.Second

func testConfig(workers int) control.Config {
	cfg := control.Default()
	cfg.Workers = workers
	cfg.BuffersPerWorker = 8
	cfg.PinThreads = false
	cfg.QueueDepth = 64
	cfg.DrainTimeout = control.Duration{Duration: 100 * time.Millisecond}
	return cfg
}

func startFake(t *testing.T, cfg control.Config, depth int, opts ...Option) (*Reactor, []*fake.Driver) {
	t.Helper()
	drivers := make([]*fake.Driver, cfg.Workers)
	for i := range drivers {
		drivers[i] = fake.NewDriver(depth)
	}
	opts = append(opts, WithDriverFactory(func(id int) (api.Driver, error) { return drivers[id], nil }))
	r, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _ = r.Shutdown(ctx)
	})
	return r, drivers
}

func wait(t *testing.T, f *Future) api.Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := f.Wait(ctx)
	require.NoError(t, err, "completion not delivered")
	return c
}

func release(c api.Completion) {
	if c.Buffer != nil {
		c.Buffer.Release()
	}
}

func TestReadRetriedOnWouldBlock(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(10)

	f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	require.True(t, d[0].WouldBlock(op.Token))

	again, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	assert.Equal(t, op.Token, again.Token)
	_, done := f.Result()
	assert.False(t, done, "would-block must not surface")

	require.True(t, d[0].Deliver(again.Token, []byte("hello")))
	c := wait(t, f)
	require.True(t, c.IsSuccess())
	n, ok := c.BytesTransferred()
	require.True(t, ok)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(c.Buffer.Data()))
	assert.Equal(t, op.Token, f.Token())
	assert.Equal(t, 2, d[0].Submits())
	assert.Equal(t, uint64(1), r.Stats()[0].Retried)

	release(c)
	inUse, total := r.Utilization()
	assert.Zero(t, inUse)
	assert.Equal(t, 8, total)
}

func TestCancelAfterCompletionKeepsOriginal(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(3)

	f, err := r.Submit(api.Interest{Op: api.OpAccept, Handle: h})
	require.NoError(t, err)
	op, ok := d[0].Await(h, api.OpAccept, waitFor)
	require.True(t, ok)
	require.True(t, d[0].Complete(op.Token, api.Completion{Result: api.ResultBytes, Accepted: 77}))
	require.NoError(t, f.Cancel())

	c := wait(t, f)
	require.NoError(t, c.Err)
	assert.Equal(t, api.Handle(77), c.Accepted)
	require.Eventually(t, func() bool { return r.Stats()[0].Pending == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats()[0].Completed)
	assert.Zero(t, r.Stats()[0].Cancelled)
}

func TestCancelPending(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(4)

	f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	_, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	require.NoError(t, r.Cancel(f))

	c := wait(t, f)
	assert.ErrorIs(t, c.Err, api.ErrCancelled)
	assert.Equal(t, api.ErrCodeCancelled, api.Code(c.Err))
	require.NotNil(t, c.Buffer)
	release(c)
	assert.Equal(t, uint64(1), r.Stats()[0].Cancelled)
}

func TestOneOperationPerDirection(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(5)

	read, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	_, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)

	second, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	c := wait(t, second)
	assert.ErrorIs(t, c.Err, api.ErrHandleBusy)
	release(c)

	buf, err := r.Checkout(h)
	require.NoError(t, err)
	_, err = buf.Write([]byte("pong"))
	require.NoError(t, err)
	write, err := r.Submit(api.Interest{Op: api.OpWrite, Handle: h, Buffer: buf})
	require.NoError(t, err)
	wop, ok := d[0].Await(h, api.OpWrite, waitFor)
	require.True(t, ok, "outbound direction is independent")
	require.True(t, d[0].Deliver(wop.Token, nil))
	wc := wait(t, write)
	assert.Equal(t, 4, wc.N)
	release(wc)

	_, done := read.Result()
	assert.False(t, done)
	assert.Equal(t, uint64(1), r.Stats()[0].Busy)
}

func TestTimerFires(t *testing.T) {
	r, _ := startFake(t, testConfig(1), 0)
	start := time.Now()
	fired := make(chan api.Completion, 1)
	_, err := r.SubmitFunc(api.Interest{Op: api.OpTimer, Deadline: start.Add(20 * time.Millisecond)}, func(c api.Completion) {
		fired <- c
	})
	require.NoError(t, err)

	select {
	case c := <-fired:
		assert.True(t, c.IsSuccess())
		assert.Zero(t, c.N)
		assert.Equal(t, api.OpTimer, c.Op)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(waitFor):
		t.Fatal("timer did not fire")
	}
}

func TestDeadlineSynthesizesTimeout(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(6)

	f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h, Deadline: time.Now().Add(30 * time.Millisecond)})
	require.NoError(t, err)
	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)

	c := wait(t, f)
	assert.Equal(t, api.ResultTimedOut, c.Result)
	assert.ErrorIs(t, c.Err, api.ErrTimedOut)
	assert.Nil(t, c.Buffer, "slot stays with the backend until it reports")
	assert.Contains(t, d[0].Cancels(), op.Token)

	// The backend's cancellation is swallowed and the slot reclaimed.
	require.Eventually(t, func() bool {
		inUse, _ := r.Utilization()
		return inUse == 0 && r.Stats()[0].Pending == 0
	}, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats()[0].Completed)

	_, err = r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	_, ok = d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok, "direction is free again")
}

func TestDefaultOpTimeoutHotReload(t *testing.T) {
	cs := control.NewConfigStore(testConfig(1))
	r, _ := startFake(t, cs.Current(), 0, WithConfigStore(cs))
	assert.Zero(t, r.OpTimeout())

	next := cs.Current()
	next.OpTimeout = control.Duration{Duration: 20 * time.Millisecond}
	next.MaxFrameSize = 100
	cs.SetConfig(next)
	assert.Equal(t, 20*time.Millisecond, r.OpTimeout())
	assert.Equal(t, uint32(100), r.MaxFrameSize())

	f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: 8})
	require.NoError(t, err)
	c := wait(t, f)
	assert.Equal(t, api.ResultTimedOut, c.Result)
}

func TestPoolExhaustionIsSynchronous(t *testing.T) {
	cfg := testConfig(1)
	cfg.BuffersPerWorker = 2
	r, _ := startFake(t, cfg, 0)

	for h := api.Handle(1); h <= 2; h++ {
		_, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
		require.NoError(t, err)
	}
	_, err := r.Submit(api.Interest{Op: api.OpRead, Handle: 3})
	assert.ErrorIs(t, err, api.ErrPoolExhausted)
	inUse, total := r.Utilization()
	assert.Equal(t, 2, inUse)
	assert.Equal(t, 2, total)
}

func TestBacklogDrainsInOrder(t *testing.T) {
	r, d := startFake(t, testConfig(1), 1)
	var futures []*Future
	for h := api.Handle(20); h < 24; h++ {
		f, err := r.Submit(api.Interest{Op: api.OpAccept, Handle: h})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	require.Eventually(t, func() bool { return len(d[0].Pending()) == 4 }, waitFor, time.Millisecond)
	pending := d[0].Pending()
	for i, op := range pending {
		assert.Equal(t, futures[i].Token(), op.Token)
	}
}

func TestForeignBufferRejected(t *testing.T) {
	r, _ := startFake(t, testConfig(2), 0)
	a := api.Handle(1)
	b := a + 1
	for r.Assign(b) == r.Assign(a) {
		b++
	}
	buf, err := r.Checkout(a)
	require.NoError(t, err)

	f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: b, Buffer: buf})
	require.NoError(t, err)
	c := wait(t, f)
	assert.ErrorIs(t, c.Err, api.ErrInvalidArgument)
	assert.Same(t, buf, c.Buffer.(*pool.Buffer))
	buf.Release()
}

func TestCloseReleasesRoute(t *testing.T) {
	r, d := startFake(t, testConfig(2), 0)
	const h = api.Handle(11)

	read, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	idx, ok := r.WorkerOf(h)
	require.True(t, ok)
	_, ok = d[idx].Await(h, api.OpRead, waitFor)
	require.True(t, ok)

	closeF, err := r.Submit(api.Interest{Op: api.OpClose, Handle: h})
	require.NoError(t, err)
	rc := wait(t, read)
	assert.ErrorIs(t, rc.Err, api.ErrCancelled)
	release(rc)
	cc := wait(t, closeF)
	require.NoError(t, cc.Err)

	_, ok = r.WorkerOf(h)
	assert.False(t, ok)
}

func TestRoutingPolicies(t *testing.T) {
	t.Run("hash is stable", func(t *testing.T) {
		table := newRouteTable(4, PolicyHash)
		for h := api.Handle(0); h < 64; h++ {
			first := table.lookup(h)
			assert.Equal(t, first, table.lookup(h))
			assert.Equal(t, first, table.pick(h))
		}
		assert.Equal(t, 64, table.size())
	})
	t.Run("least loaded evens out", func(t *testing.T) {
		table := newRouteTable(4, PolicyLeastLoaded)
		for h := api.Handle(100); h < 108; h++ {
			table.lookup(h)
		}
		for i := 0; i < 4; i++ {
			assert.Equal(t, int64(2), table.load(i))
		}
		table.release(100)
		_, ok := table.peek(100)
		assert.False(t, ok)
	})
	t.Run("hash spreads sequential fds", func(t *testing.T) {
		table := newRouteTable(4, PolicyHash)
		counts := make([]int, 4)
		for h := api.Handle(3); h < 403; h++ {
			counts[table.pick(h)]++
		}
		for _, c := range counts {
			assert.Greater(t, c, 50)
		}
	})
	_, err := ParsePolicy("random")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestGracefulDrain(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(12)

	f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	require.NoError(t, err)
	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		d[0].Deliver(op.Token, []byte("late"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	report, err := r.Shutdown(ctx)
	require.NoError(t, err)
	assert.False(t, report.Forced)
	assert.Empty(t, report.Cancelled)

	c, done := f.Result()
	require.True(t, done)
	assert.Equal(t, 4, c.N)
	assert.Equal(t, StateStopped, r.WorkerState(0))
	assert.True(t, d[0].Closed())

	_, err = r.Submit(api.Interest{Op: api.OpRead, Handle: h})
	assert.ErrorIs(t, err, api.ErrShutdownInProgress)
}

func TestForcedShutdownReportsHandles(t *testing.T) {
	r, d := startFake(t, testConfig(2), 0)
	var futures []*Future
	for _, h := range []api.Handle{30, 31, 32} {
		f, err := r.Submit(api.Interest{Op: api.OpRead, Handle: h})
		require.NoError(t, err)
		idx, _ := r.WorkerOf(h)
		_, ok := d[idx].Await(h, api.OpRead, waitFor)
		require.True(t, ok)
		futures = append(futures, f)
	}
	timer, err := r.Submit(api.Interest{Op: api.OpTimer, Deadline: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	report, err := r.Shutdown(ctx)
	require.NoError(t, err)
	assert.True(t, report.Forced)
	assert.Equal(t, []api.Handle{30, 31, 32}, report.Cancelled)

	for _, f := range append(futures, timer) {
		c, done := f.Result()
		require.True(t, done, "every submission yields a completion")
		assert.ErrorIs(t, c.Err, api.ErrCancelled)
	}

	again, err := r.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report, again)
}

func TestCallbackPanicDoesNotKillWorker(t *testing.T) {
	r, _ := startFake(t, testConfig(1), 0)
	_, err := r.SubmitFunc(api.Interest{Op: api.OpTimer, Deadline: time.Now()}, func(api.Completion) {
		panic("boom")
	})
	require.NoError(t, err)

	f, err := r.Submit(api.Interest{Op: api.OpTimer, Deadline: time.Now().Add(time.Millisecond)})
	require.NoError(t, err)
	c := wait(t, f)
	assert.True(t, c.IsSuccess())
}

func TestMetricsAndProbes(t *testing.T) {
	r, _ := startFake(t, testConfig(2), 0)
	f, err := r.Submit(api.Interest{Op: api.OpTimer, Deadline: time.Now()})
	require.NoError(t, err)
	wait(t, f)

	mr := control.NewMetricsRegistry()
	r.CollectMetrics(mr)
	snap := mr.GetSnapshot()
	assert.Equal(t, "epoll", snap["reactor.backend"])
	assert.Equal(t, 2, snap["reactor.workers"])
	assert.Equal(t, 16, snap["reactor.buffers.total"])

	var completed uint64
	for i := 0; i < 2; i++ {
		completed += snap[fmt.Sprintf("worker.%d.completed", i)].(uint64)
	}
	assert.Equal(t, uint64(1), completed)

	dp := control.NewDebugProbes()
	r.RegisterProbes(dp)
	stats := dp.DumpState()["reactor.workers"].([]WorkerStats)
	assert.Len(t, stats, 2)
	assert.Equal(t, StateRunning, stats[0].State)
}

func TestStartFailureStopsEveryWorker(t *testing.T) {
	cfg := testConfig(2)
	ok := fake.NewDriver(0)
	r, err := New(cfg, WithDriverFactory(func(id int) (api.Driver, error) {
		if id == 1 {
			return nil, errors.New("no ring")
		}
		return ok, nil
	}))
	require.NoError(t, err)
	err = r.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ring")
	assert.True(t, ok.Closed())
	_, err = r.Submit(api.Interest{Op: api.OpTimer, Deadline: time.Now()})
	assert.ErrorIs(t, err, api.ErrShutdownInProgress)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.Assignment = "round-robin"
	_, err := New(cfg)
	require.Error(t, err)
}
