package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/protocol"
)

type streamProbe struct {
	msgs   chan protocol.Message
	closed chan error
}

func newStreamProbe() *streamProbe {
	return &streamProbe{msgs: make(chan protocol.Message, 16), closed: make(chan error, 2)}
}

func (p *streamProbe) onMessage(m protocol.Message) error {
	p.msgs <- m.Clone()
	return nil
}

func (p *streamProbe) onClose(err error) { p.closed <- err }

func (p *streamProbe) closeErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.closed:
		return err
	case <-time.After(waitFor):
		t.Fatal("stream did not close")
		return nil
	}
}

func encode(t *testing.T, msgs ...protocol.Message) []byte {
	t.Helper()
	var out []byte
	for _, m := range msgs {
		var err error
		out, err = protocol.AppendMessage(out, m, protocol.MaxFramePayload)
		require.NoError(t, err)
	}
	return out
}

func TestStreamDecodesAcrossReads(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(40)
	p := newStreamProbe()
	require.NoError(t, r.Stream(h, p.onMessage, p.onClose))

	want := []protocol.Message{
		{Opcode: protocol.OpRequest, RoutingKey: 7, Payload: []byte("first")},
		{Opcode: protocol.OpPing, Flags: protocol.FlagAck},
	}
	wire := encode(t, want...)

	// Split inside the first header, then deliver the rest in one read.
	for _, chunk := range [][]byte{wire[:3], wire[3:]} {
		op, ok := d[0].Await(h, api.OpRead, waitFor)
		require.True(t, ok)
		require.True(t, d[0].Deliver(op.Token, chunk))
		require.Eventually(t, func() bool {
			next, ok := d[0].Await(h, api.OpRead, time.Millisecond)
			return ok && next.Token != op.Token
		}, waitFor, time.Millisecond, "read not re-armed")
	}

	var got []protocol.Message
	for range want {
		select {
		case m := <-p.msgs:
			got = append(got, m)
		case <-time.After(waitFor):
			t.Fatal("message not decoded")
		}
	}
	assert.Empty(t, cmp.Diff(want, got))

	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	require.True(t, d[0].Deliver(op.Token, nil))
	assert.NoError(t, p.closeErr(t))
	require.Eventually(t, func() bool {
		inUse, _ := r.Utilization()
		return inUse == 0
	}, waitFor, time.Millisecond)
}

func TestStreamRejectsOversizeFrame(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxFrameSize = 16
	r, d := startFake(t, cfg, 0)
	const h = api.Handle(41)
	p := newStreamProbe()
	require.NoError(t, r.Stream(h, p.onMessage, p.onClose))

	wire := encode(t, protocol.Message{Opcode: protocol.OpRequest, Payload: make([]byte, 32)})
	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	require.True(t, d[0].Deliver(op.Token, wire[:protocol.HeaderSize]))

	err := p.closeErr(t)
	var fe *protocol.FrameError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, api.ErrFrameTooLarge)
	assert.Equal(t, api.ErrCodeFrame, api.Code(err))
	assert.Empty(t, p.msgs)
}

func TestStreamHandlerErrorEndsStream(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(42)
	stop := errors.New("stop")
	closed := make(chan error, 2)
	require.NoError(t, r.Stream(h, func(protocol.Message) error { return stop }, func(err error) { closed <- err }))

	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	require.True(t, d[0].Deliver(op.Token, encode(t, protocol.Message{Opcode: protocol.OpPing})))

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, stop)
	case <-time.After(waitFor):
		t.Fatal("stream did not close")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, d[0].Pending(), "no read re-armed after the handler failed")
	assert.Empty(t, closed)
}

func TestStreamReportsReadError(t *testing.T) {
	r, d := startFake(t, testConfig(1), 0)
	const h = api.Handle(43)
	p := newStreamProbe()
	require.NoError(t, r.Stream(h, p.onMessage, p.onClose))

	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok)
	reset := api.NewBackendError("read", 104)
	require.True(t, d[0].Complete(op.Token, api.Fail(op.Token, reset)))

	err := p.closeErr(t)
	assert.Equal(t, api.ErrCodeBackend, api.Code(err))
}

func TestStreamBacksOffWhenArenaEmpty(t *testing.T) {
	cfg := testConfig(1)
	cfg.BuffersPerWorker = 1
	r, d := startFake(t, cfg, 0)
	const h = api.Handle(44)

	held, err := r.Checkout(h)
	require.NoError(t, err)
	p := newStreamProbe()
	require.NoError(t, r.Stream(h, p.onMessage, p.onClose))

	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, d[0].Pending())
	held.Release()

	op, ok := d[0].Await(h, api.OpRead, waitFor)
	require.True(t, ok, "read armed once a slot is free")
	require.True(t, d[0].Deliver(op.Token, encode(t, protocol.Message{Opcode: protocol.OpRequest, Payload: []byte("x")})))
	select {
	case m := <-p.msgs:
		assert.Equal(t, "x", string(m.Payload))
	case <-time.After(waitFor):
		t.Fatal("message not decoded")
	}
	assert.Empty(t, p.closed)
}

func TestStreamRequiresHandler(t *testing.T) {
	r, _ := startFake(t, testConfig(1), 0)
	assert.ErrorIs(t, r.Stream(1, nil, nil), api.ErrInvalidArgument)
}
