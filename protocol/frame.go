// Package protocol
// Author: momentics <momentics@gmail.com>
//
// HBTP wire layout: a fixed 8-byte header followed by the payload.
//
//	offset 0  opcode          u8
//	offset 1  flags           u8
//	offset 2  routing key     u16 little-endian
//	offset 4  payload length  u32 little-endian
//
// Every encoder and decoder in this package goes through putHeader/ParseHeader.

package protocol

import (
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed HBTP header length.
const HeaderSize = 8

// Header is a decoded HBTP header.
type Header struct {
	Opcode     byte
	Flags      byte
	RoutingKey uint16
	PayloadLen uint32
}

// Message is one complete HBTP frame.
type Message struct {
	Opcode     byte
	Flags      byte
	RoutingKey uint16
	Payload    []byte
}

// Header returns the header that frames m.
func (m *Message) Header() Header {
	return Header{Opcode: m.Opcode, Flags: m.Flags, RoutingKey: m.RoutingKey, PayloadLen: uint32(len(m.Payload))}
}

// Size is the encoded length of m.
func (m *Message) Size() int { return HeaderSize + len(m.Payload) }

// Clone returns a copy whose payload does not alias m's.
func (m Message) Clone() Message {
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}

func putHeader(dst []byte, h Header) {
	dst[0] = h.Opcode
	dst[1] = h.Flags
	binary.LittleEndian.PutUint16(dst[2:4], h.RoutingKey)
	binary.LittleEndian.PutUint32(dst[4:8], h.PayloadLen)
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, malformed("short header")
	}
	return Header{
		Opcode:     b[0],
		Flags:      b[1],
		RoutingKey: binary.LittleEndian.Uint16(b[2:4]),
		PayloadLen: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ReadMessage reads one frame from a blocking stream, rejecting payloads over
// limit before reading them.
func ReadMessage(r io.Reader, limit uint32) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	h, _ := ParseHeader(hdr[:])
	if h.PayloadLen > limit {
		return Message{}, tooLarge(h, limit)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Message{Opcode: h.Opcode, Flags: h.Flags, RoutingKey: h.RoutingKey, Payload: payload}, nil
}

// WriteMessage encodes m and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message, limit uint32) error {
	b, err := AppendMessage(nil, m, limit)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
