// File: client/client.go
// Package client provides a blocking HBTP client with request/response
// correlation by routing key.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// This client implements:
// - dialing with retries (controlled by ReconnectMax)
// - a receive loop that routes OpResponse/OpError to the pending Call on the
//   same routing key and queues everything else for Recv
// - optional heartbeat (OpPing every HeartbeatInterval, pongs are swallowed)
// - configurable write deadline and frame limit
// - lifecycle callbacks: OnConnect, OnClose, OnError

package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-hbtp/protocol"
)

var (
	ErrClosed   = errors.New("client closed")
	ErrKeyInUse = errors.New("routing key has a call in flight")
)

// ConnEventHandler defines lifecycle callback signatures.
type ConnEventHandler interface {
	OnConnect()
	OnClose()
	OnError(err error)
}

// Config holds all configurable parameters for the client.
type Config struct {
	Addr              string        // host:port
	MaxFrameSize      uint32        // payload limit in both directions
	WriteTimeout      time.Duration // per-write deadline (0 = none)
	ReconnectMax      int           // max dial attempts beyond the first (0 = no retries)
	HeartbeatInterval time.Duration // send ping every interval (0 = disabled)
	RecvBuffer        int           // queued unsolicited messages
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		MaxFrameSize: protocol.MaxFramePayload,
		WriteTimeout: 5 * time.Second,
		RecvBuffer:   64,
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	conn net.Conn

	wmu sync.Mutex
	bw  *bufio.Writer

	mu       sync.Mutex
	pending  map[uint16]chan protocol.Message
	handlers []ConnEventHandler
	err      error

	recvChan  chan protocol.Message
	closeChan chan struct{}
	closed    atomic.Bool
	closing   atomic.Bool
	wg        sync.WaitGroup
}

// Dial connects to cfg.Addr and starts the receive loop.
func Dial(cfg Config) (*Client, error) {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = protocol.MaxFramePayload
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 64
	}
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, conn), nil
}

// dial retries with linear backoff up to ReconnectMax extra attempts.
func dial(cfg Config) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.ReconnectMax; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		conn, err := net.Dial("tcp", cfg.Addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if cfg.ReconnectMax > 0 {
		return nil, fmt.Errorf("max reconnect attempts reached: %w", lastErr)
	}
	return nil, lastErr
}

// NewClient wraps an established connection, e.g. one end of net.Pipe.
func NewClient(cfg Config, conn net.Conn) *Client {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = protocol.MaxFramePayload
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 64
	}
	return newClient(cfg, conn)
}

func newClient(cfg Config, conn net.Conn) *Client {
	c := &Client{
		cfg:       cfg,
		conn:      conn,
		bw:        bufio.NewWriter(conn),
		pending:   make(map[uint16]chan protocol.Message),
		recvChan:  make(chan protocol.Message, cfg.RecvBuffer),
		closeChan: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.recvLoop()
	if cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return c
}

// RegisterHandler adds a lifecycle handler. OnConnect fires immediately
// since the client is connected once constructed.
func (c *Client) RegisterHandler(h ConnEventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
	h.OnConnect()
}

// Send writes one message.
func (c *Client) Send(m protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := protocol.WriteMessage(c.bw, m, c.cfg.MaxFrameSize); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Recv returns the next message not claimed by a Call.
func (c *Client) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-c.recvChan:
		return m, nil
	case <-c.closeChan:
		// Drain what arrived before the connection ended.
		select {
		case m := <-c.recvChan:
			return m, nil
		default:
		}
		return protocol.Message{}, c.cause()
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Call sends req and waits for the OpResponse or OpError with the same
// routing key. One call per routing key may be in flight.
func (c *Client) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if _, busy := c.pending[req.RoutingKey]; busy {
		c.mu.Unlock()
		return protocol.Message{}, ErrKeyInUse
	}
	c.pending[req.RoutingKey] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RoutingKey)
		c.mu.Unlock()
	}()

	if err := c.Send(req); err != nil {
		return protocol.Message{}, err
	}
	select {
	case m := <-ch:
		return m, nil
	case <-c.closeChan:
		return protocol.Message{}, c.cause()
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	br := bufio.NewReader(c.conn)
	for {
		m, err := protocol.ReadMessage(br, c.cfg.MaxFrameSize)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch m.Opcode {
		case protocol.OpPong:
			continue
		case protocol.OpResponse, protocol.OpError:
			c.mu.Lock()
			ch := c.pending[m.RoutingKey]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- m:
				default: // duplicate answer
				}
				continue
			}
		}
		select {
		case c.recvChan <- m:
		case <-c.closeChan:
			return
		}
	}
}

// heartbeatLoop sends pings at the configured interval.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closeChan:
			return
		case <-t.C:
			if err := c.Send(protocol.Message{Opcode: protocol.OpPing}); err != nil && !c.closing.Load() {
				c.notifyError(err)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	handlers := append([]ConnEventHandler(nil), c.handlers...)
	c.mu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.closeChan)
	_ = c.conn.Close()
	for _, h := range handlers {
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			h.OnError(err)
		}
		h.OnClose()
	}
}

func (c *Client) notifyError(err error) {
	c.mu.Lock()
	handlers := append([]ConnEventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h.OnError(err)
	}
}

func (c *Client) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, net.ErrClosed) {
		return ErrClosed
	}
	return c.err
}

// Close sends OpClose, closes the connection and waits for the background
// loops. It is idempotent.
func (c *Client) Close() error {
	if c.closed.Load() || !c.closing.CompareAndSwap(false, true) {
		c.wg.Wait()
		return nil
	}
	_ = c.Send(protocol.Message{Opcode: protocol.OpClose})
	c.shutdown(net.ErrClosed)
	c.wg.Wait()
	return nil
}
