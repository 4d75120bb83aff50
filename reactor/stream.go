// File: reactor/stream.go
// Author: momentics <momentics@gmail.com>
//
// Codec-driven read loop: re-arms a Read on the handle after every
// completion and feeds the bytes through an HBTP decoder on the worker thread.

package reactor

import (
	"errors"
	"time"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/protocol"
)

// exhaustedBackoff delays a re-arm while the worker arena is empty.
const exhaustedBackoff = time.Millisecond

type stream struct {
	r         *Reactor
	h         api.Handle
	dec       *protocol.Decoder
	onMessage func(protocol.Message) error
	onClose   func(error)
	done      bool
}

// Stream starts reading h and decoding HBTP messages. onMessage runs on the
// worker thread and the payload is valid only during the call; returning an
// error ends the stream. onClose runs once: with nil on orderly EOF, or with
// the read, frame, or submission error that ended the stream. A frame error
// only ends this stream. Closing the handle is up to the caller.
func (r *Reactor) Stream(h api.Handle, onMessage func(protocol.Message) error, onClose func(error)) error {
	if onMessage == nil {
		return api.ErrInvalidArgument
	}
	if onClose == nil {
		onClose = func(error) {}
	}
	s := &stream{
		r:         r,
		h:         h,
		dec:       protocol.NewDecoder(r.MaxFrameSize()),
		onMessage: onMessage,
		onClose:   onClose,
	}
	return s.arm()
}

func (s *stream) arm() error {
	_, err := s.r.SubmitFunc(api.Interest{Op: api.OpRead, Handle: s.h}, s.onRead)
	if errors.Is(err, api.ErrPoolExhausted) {
		// Backpressure: retry from a timer on the same worker.
		_, err = s.r.SubmitFunc(api.Interest{
			Op:       api.OpTimer,
			Handle:   s.h,
			Deadline: time.Now().Add(exhaustedBackoff),
		}, s.onBackoff)
	}
	return err
}

func (s *stream) onBackoff(c api.Completion) {
	if c.Err != nil {
		s.finish(c.Err)
		return
	}
	if err := s.arm(); err != nil {
		s.finish(err)
	}
}

func (s *stream) onRead(c api.Completion) {
	if c.IsError() {
		s.finish(c.Err)
		return
	}
	if c.N == 0 {
		s.finish(nil)
		return
	}
	s.dec.SetLimit(s.r.MaxFrameSize())
	if err := s.dec.Feed(c.Buffer.Data(), s.onMessage); err != nil {
		s.finish(err)
		return
	}
	if err := s.arm(); err != nil {
		s.finish(err)
	}
}

func (s *stream) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.onClose(err)
}
