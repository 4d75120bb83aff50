package protocol

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-hbtp/api"
)

func TestWireLayout(t *testing.T) {
	b, err := AppendMessage(nil, Message{Opcode: 0x7f, Flags: FlagAck, RoutingKey: 0x0102, Payload: []byte("abc")}, MaxFramePayload)
	require.NoError(t, err)
	want := []byte{0x7f, FlagAck, 0x02, 0x01, 0x03, 0x00, 0x00, 0x00, 'a', 'b', 'c'}
	assert.Equal(t, want, b)

	h, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, Header{Opcode: 0x7f, Flags: FlagAck, RoutingKey: 0x0102, PayloadLen: 3}, h)
}

func decodeAll(t *testing.T, d *Decoder, chunks [][]byte) []Message {
	t.Helper()
	var got []Message
	for _, c := range chunks {
		require.NoError(t, d.Feed(c, func(m Message) error {
			got = append(got, m.Clone())
			return nil
		}))
	}
	return got
}

func TestRoundTripFragmented(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	msgs := []Message{
		{Opcode: OpPing},
		{Opcode: OpRequest, Flags: FlagMore, RoutingKey: 7, Payload: []byte("hello")},
		{Opcode: OpResponse, RoutingKey: 0xffff, Payload: bytes.Repeat([]byte{0xa5}, 4000)},
		{Opcode: 0xff, Flags: 0xff, Payload: []byte{0}},
	}
	var wire []byte
	for _, m := range msgs {
		var err error
		wire, err = AppendMessage(wire, m, MaxFramePayload)
		require.NoError(t, err)
	}

	opts := cmpopts.EquateEmpty()
	for _, maxChunk := range []int{len(wire), 1, 3, 8, 9, 97} {
		var chunks [][]byte
		for rest := wire; len(rest) > 0; {
			n := 1 + rng.Intn(maxChunk)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		d := NewDecoder(MaxFramePayload)
		got := decodeAll(t, d, chunks)
		if diff := cmp.Diff(msgs, got, opts); diff != "" {
			t.Fatalf("chunk<=%d mismatch (-want +got):\n%s", maxChunk, diff)
		}
		assert.Equal(t, AwaitingHeader, d.State())
		assert.Zero(t, d.Buffered())
	}
}

func TestDecoderStates(t *testing.T) {
	wire, err := AppendMessage(nil, Message{Opcode: OpRequest, Payload: []byte("xyz")}, 16)
	require.NoError(t, err)
	d := NewDecoder(16)
	calls := 0
	fn := func(Message) error { calls++; return nil }

	require.NoError(t, d.Feed(wire[:5], fn))
	assert.Equal(t, AwaitingHeader, d.State())
	require.NoError(t, d.Feed(wire[5:9], fn))
	assert.Equal(t, AwaitingPayload, d.State())
	assert.Equal(t, 9, d.Buffered())
	require.NoError(t, d.Feed(wire[9:], fn))
	assert.Equal(t, 1, calls)
	assert.Equal(t, AwaitingHeader, d.State())
	assert.Zero(t, d.Buffered())
}

func TestBufferedAfterMessage(t *testing.T) {
	wire, err := AppendMessage(nil, Message{Opcode: OpRequest, Payload: []byte("hello")}, 64)
	require.NoError(t, err)
	d := NewDecoder(64)

	var seen string
	require.NoError(t, d.Feed(wire, func(m Message) error {
		seen = string(m.Payload)
		return nil
	}))
	assert.Equal(t, "hello", seen)
	assert.Equal(t, AwaitingHeader, d.State())
	assert.Zero(t, d.Buffered())

	// Half of the next header is all that is held.
	require.NoError(t, d.Feed(wire[:3], func(Message) error { return nil }))
	assert.Equal(t, 3, d.Buffered())

	d.Reset()
	stop := errors.New("stop")
	require.ErrorIs(t, d.Feed(wire, func(Message) error { return stop }), stop)
	assert.Zero(t, d.Buffered())
}

func TestOversizeRejectedBeforePayload(t *testing.T) {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], Header{Opcode: OpRequest, PayloadLen: 1025})
	d := NewDecoder(1024)
	input := append(hdr[:], bytes.Repeat([]byte{1}, 64)...)

	err := d.Feed(input, func(Message) error { t.Fatal("no message expected"); return nil })
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, api.ErrFrameTooLarge)
	assert.Equal(t, uint32(1025), fe.Header.PayloadLen)
	assert.Equal(t, api.ErrCodeFrame, api.Code(err))
	assert.Equal(t, Failed, d.State())
	assert.Zero(t, len(d.payload))

	// stays failed until reset
	assert.ErrorIs(t, d.Feed([]byte{1}, func(Message) error { return nil }), api.ErrFrameTooLarge)
	d.Reset()
	assert.Equal(t, AwaitingHeader, d.State())
}

func TestEncodeLimits(t *testing.T) {
	m := Message{Opcode: OpRequest, Payload: make([]byte, 10)}
	_, err := AppendMessage(nil, m, 9)
	assert.ErrorIs(t, err, api.ErrFrameTooLarge)

	dst := make([]byte, 12)
	_, err = EncodeInto(dst, m, 64)
	assert.ErrorIs(t, err, api.ErrMalformedFrame)

	dst = make([]byte, 32)
	n, err := EncodeInto(dst, m, 64)
	require.NoError(t, err)
	assert.Equal(t, m.Size(), n)
}

func TestDecodeFrameFromBytes(t *testing.T) {
	wire, err := AppendMessage(nil, Message{Opcode: OpPong, RoutingKey: 3, Payload: []byte("ok")}, 64)
	require.NoError(t, err)

	m, n, err := DecodeFrameFromBytes(wire[:9], 64)
	require.NoError(t, err)
	assert.Zero(t, n, "incomplete")

	m, n, err = DecodeFrameFromBytes(append(wire, 0xEE), 64)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, "ok", string(m.Payload))

	_, _, err = DecodeFrameFromBytes(wire, 1)
	assert.ErrorIs(t, err, api.ErrFrameTooLarge)
}

func TestStreamReadWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Opcode: OpError, Payload: []byte("bad")}, 64))
	m, err := ReadMessage(&buf, 64)
	require.NoError(t, err)
	assert.Equal(t, OpError, m.Opcode)
	assert.Equal(t, "error", OpcodeName(m.Opcode))

	_, err = ReadMessage(&buf, 64)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestCallbackErrorStops(t *testing.T) {
	var wire []byte
	for i := 0; i < 3; i++ {
		wire, _ = AppendMessage(wire, Message{Opcode: OpPing}, 0)
	}
	stop := errors.New("stop")
	d := NewDecoder(0)
	calls := 0
	err := d.Feed(wire, func(Message) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
