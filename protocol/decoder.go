// File: protocol/decoder.go
// Author: momentics <momentics@gmail.com>
//
// Incremental per-stream decoder. Bytes arrive in arbitrary chunks; partial
// headers and payloads are buffered inside the decoder.

package protocol

// DecoderState is the position of a Decoder in the frame.
type DecoderState uint8

const (
	AwaitingHeader DecoderState = iota
	AwaitingPayload
	MessageReady
	Failed
)

func (s DecoderState) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingPayload:
		return "awaiting_payload"
	case MessageReady:
		return "message_ready"
	default:
		return "failed"
	}
}

// Decoder turns a byte stream into Messages. It is not safe for concurrent use.
type Decoder struct {
	limit   uint32
	state   DecoderState
	hdr     [HeaderSize]byte
	hdrN    int
	header  Header
	payload []byte
	err     error
}

// NewDecoder returns a decoder that rejects payloads over limit.
func NewDecoder(limit uint32) *Decoder {
	return &Decoder{limit: limit}
}

// SetLimit changes the payload limit for headers not yet complete.
func (d *Decoder) SetLimit(limit uint32) { d.limit = limit }

// State reports where the decoder is.
func (d *Decoder) State() DecoderState { return d.state }

// Err is the error that failed the decoder, if any.
func (d *Decoder) Err() error { return d.err }

// Buffered is the number of bytes held for the frame in progress.
func (d *Decoder) Buffered() int { return d.hdrN + len(d.payload) }

// Reset drops buffered bytes and any failure.
func (d *Decoder) Reset() {
	*d = Decoder{limit: d.limit, payload: d.payload[:0]}
}

// Feed consumes p and calls fn for each completed message, in order. The
// message payload is only valid during fn. After an error the decoder stays
// failed until Reset; the bytes after the bad header are not consumed.
func (d *Decoder) Feed(p []byte, fn func(Message) error) error {
	if d.state == Failed {
		return d.err
	}
	for len(p) > 0 || d.state == MessageReady {
		switch d.state {
		case AwaitingHeader:
			n := copy(d.hdr[d.hdrN:], p)
			d.hdrN += n
			p = p[n:]
			if d.hdrN < HeaderSize {
				return nil
			}
			d.header, _ = ParseHeader(d.hdr[:])
			if d.header.PayloadLen > d.limit {
				return d.fail(tooLarge(d.header, d.limit))
			}
			d.payload = d.payload[:0]
			if d.header.PayloadLen == 0 {
				d.state = MessageReady
			} else {
				d.state = AwaitingPayload
			}
		case AwaitingPayload:
			need := int(d.header.PayloadLen) - len(d.payload)
			if need > len(p) {
				need = len(p)
			}
			d.payload = append(d.payload, p[:need]...)
			p = p[need:]
			if len(d.payload) == int(d.header.PayloadLen) {
				d.state = MessageReady
			}
		case MessageReady:
			m := Message{
				Opcode:     d.header.Opcode,
				Flags:      d.header.Flags,
				RoutingKey: d.header.RoutingKey,
				Payload:    d.payload,
			}
			d.hdrN = 0
			d.state = AwaitingHeader
			err := fn(m)
			d.payload = d.payload[:0]
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Decoder) fail(err error) error {
	d.state = Failed
	d.err = err
	return err
}
