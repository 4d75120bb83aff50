// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-hbtp components.

package benchmarks

import (
	"bytes"
	"testing"

	"github.com/momentics/hioload-hbtp/internal/concurrency"
	"github.com/momentics/hioload-hbtp/pool"
	"github.com/momentics/hioload-hbtp/protocol"
)

// BenchmarkArenaCheckout measures slot checkout/return under contention.
func BenchmarkArenaCheckout(b *testing.B) {
	a, err := pool.NewArena(pool.ArenaConfig{Slots: 256, SlotSize: 4096})
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf, err := a.Checkout()
			if err != nil {
				continue
			}
			buf.Release()
		}
	})
}

// BenchmarkQueueThroughput measures the worker inbox: parallel producers,
// one consumer.
func BenchmarkQueueThroughput(b *testing.B) {
	q := concurrency.NewQueue[int](1024)
	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if _, ok := q.Pop(); ok {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			for !q.Push(i) {
			}
			i++
		}
	})
	b.StopTimer()
	close(stop)
	<-drained
}

// BenchmarkEncodeFrame measures encoding a 1 KiB request into a reused slot.
func BenchmarkEncodeFrame(b *testing.B) {
	m := protocol.Message{Opcode: protocol.OpRequest, RoutingKey: 42, Payload: bytes.Repeat([]byte{'x'}, 1024)}
	dst := make([]byte, m.Size())
	b.SetBytes(int64(m.Size()))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := protocol.EncodeInto(dst, m, protocol.MaxFramePayload); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecoderFeed measures streaming decode of 64 frames split at
// 4 KiB read boundaries.
func BenchmarkDecoderFeed(b *testing.B) {
	var stream []byte
	m := protocol.Message{Opcode: protocol.OpRequest, Payload: bytes.Repeat([]byte{'y'}, 300)}
	for i := 0; i < 64; i++ {
		m.RoutingKey = uint16(i)
		stream, _ = protocol.AppendMessage(stream, m, protocol.MaxFramePayload)
	}
	d := protocol.NewDecoder(protocol.MaxFramePayload)
	count := 0
	sink := func(protocol.Message) error { count++; return nil }

	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for off := 0; off < len(stream); off += 4096 {
			end := min(off+4096, len(stream))
			if err := d.Feed(stream[off:end], sink); err != nil {
				b.Fatal(err)
			}
		}
	}
	if count != 64*b.N {
		b.Fatalf("decoded %d frames, want %d", count, 64*b.N)
	}
}
