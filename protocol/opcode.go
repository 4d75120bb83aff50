// Package protocol
// Author: momentics <momentics@gmail.com>
//
// HBTP opcodes and flag bits.

package protocol

// Opcodes for common message types. Values 0x80 and above are left to
// applications.
const (
	OpPing     byte = 0x01
	OpPong     byte = 0x02
	OpRequest  byte = 0x03
	OpResponse byte = 0x04
	OpError    byte = 0x05
	OpClose    byte = 0x06
)

// Flag bits.
const (
	// FlagMore marks a message continued by the next one with the same routing key.
	FlagMore byte = 1 << 0
	// FlagAck requests an acknowledgement.
	FlagAck byte = 1 << 1
)

// OpcodeName returns a short name for known opcodes.
func OpcodeName(op byte) string {
	switch op {
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	case OpRequest:
		return "request"
	case OpResponse:
		return "response"
	case OpError:
		return "error"
	case OpClose:
		return "close"
	default:
		return "app"
	}
}
