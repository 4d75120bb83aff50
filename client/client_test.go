package client

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-hbtp/protocol"
)

type recorder struct {
	mu       sync.Mutex
	connects int
	closes   int
	errs     []error
}

func (r *recorder) OnConnect()        { r.mu.Lock(); r.connects++; r.mu.Unlock() }
func (r *recorder) OnClose()          { r.mu.Lock(); r.closes++; r.mu.Unlock() }
func (r *recorder) OnError(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() }

// peer answers requests with responses on the same key, pings with pongs,
// and pushes an unsolicited request first.
func peer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		defer conn.Close()
		_ = protocol.WriteMessage(conn, protocol.Message{Opcode: protocol.OpRequest, RoutingKey: 99, Payload: []byte("hello")}, protocol.MaxFramePayload)
		for {
			m, err := protocol.ReadMessage(conn, protocol.MaxFramePayload)
			if err != nil {
				return
			}
			var reply protocol.Message
			switch m.Opcode {
			case protocol.OpPing:
				reply = protocol.Message{Opcode: protocol.OpPong}
			case protocol.OpClose:
				return
			default:
				reply = protocol.Message{Opcode: protocol.OpResponse, RoutingKey: m.RoutingKey, Payload: m.Payload}
			}
			if err := protocol.WriteMessage(conn, reply, protocol.MaxFramePayload); err != nil {
				return
			}
		}
	}()
}

func TestCallAndRecv(t *testing.T) {
	a, b := net.Pipe()
	peer(t, b)
	cfg := DefaultConfig("pipe")
	cfg.HeartbeatInterval = 5 * time.Millisecond
	c := NewClient(cfg, a)
	rec := &recorder{}
	c.RegisterHandler(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Call(ctx, protocol.Message{Opcode: protocol.OpRequest, RoutingKey: 7, Payload: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, protocol.OpResponse, resp.Opcode)
	assert.Equal(t, uint16(7), resp.RoutingKey)
	assert.Equal(t, "abc", string(resp.Payload))

	// Let a few heartbeats pass; their pongs never reach Recv.
	time.Sleep(20 * time.Millisecond)
	m, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(99), m.RoutingKey)
	assert.Equal(t, "hello", string(m.Payload))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(protocol.Message{Opcode: protocol.OpPing}), ErrClosed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.connects)
	assert.Equal(t, 1, rec.closes)
	assert.Empty(t, rec.errs)
}

func TestCallKeyInUse(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewClient(DefaultConfig("pipe"), a)
	defer c.Close()
	go func() {
		// Read but never answer.
		_, _ = io.Copy(io.Discard, b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, protocol.Message{Opcode: protocol.OpRequest, RoutingKey: 1})
		first <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pending[1] != nil
	}, time.Second, time.Millisecond)

	_, err := c.Call(ctx, protocol.Message{Opcode: protocol.OpRequest, RoutingKey: 1})
	assert.ErrorIs(t, err, ErrKeyInUse)
	assert.ErrorIs(t, <-first, context.DeadlineExceeded)
}

func TestPeerHangupEndsCalls(t *testing.T) {
	a, b := net.Pipe()
	c := NewClient(DefaultConfig("pipe"), a)
	rec := &recorder{}
	c.RegisterHandler(rec)
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, c.Close())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.closes)
	assert.Empty(t, rec.errs, "EOF is an orderly close")
}

func TestDialRetriesThenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig(addr)
	cfg.ReconnectMax = 1
	_, err = Dial(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max reconnect attempts")
}
