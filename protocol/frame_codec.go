// File: protocol/frame_codec.go
// Package protocol implements the HBTP frame codec with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encoding straight into arena slots and one-shot decoding of complete
// frames. Stream decoding lives in decoder.go.

package protocol

// MaxFramePayload is the default payload limit.
const MaxFramePayload = 1 << 20 // 1 MiB

// AppendMessage appends the encoding of m to dst.
func AppendMessage(dst []byte, m Message, limit uint32) ([]byte, error) {
	h := m.Header()
	if uint64(len(m.Payload)) > uint64(limit) {
		return dst, tooLarge(h, limit)
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], h)
	dst = append(dst, hdr[:]...)
	return append(dst, m.Payload...), nil
}

// EncodeInto writes m at the start of dst (an arena slot, typically) and
// returns the number of bytes written. dst must hold m.Size() bytes.
func EncodeInto(dst []byte, m Message, limit uint32) (int, error) {
	h := m.Header()
	if uint64(len(m.Payload)) > uint64(limit) {
		return 0, tooLarge(h, limit)
	}
	if len(dst) < m.Size() {
		return 0, malformed("destination too small")
	}
	putHeader(dst, h)
	return HeaderSize + copy(dst[HeaderSize:], m.Payload), nil
}

// DecodeFrameFromBytes parses one frame from the front of raw.
// Returns message, consumed bytes, and error; an incomplete frame is
// (Message{}, 0, nil). The payload aliases raw.
func DecodeFrameFromBytes(raw []byte, limit uint32) (Message, int, error) {
	if len(raw) < HeaderSize {
		return Message{}, 0, nil // Incomplete
	}
	h, _ := ParseHeader(raw)
	if h.PayloadLen > limit {
		return Message{}, 0, tooLarge(h, limit)
	}
	total := HeaderSize + int(h.PayloadLen)
	if len(raw) < total {
		return Message{}, 0, nil // Incomplete
	}
	return Message{
		Opcode:     h.Opcode,
		Flags:      h.Flags,
		RoutingKey: h.RoutingKey,
		Payload:    raw[HeaderSize:total:total],
	}, total, nil
}
