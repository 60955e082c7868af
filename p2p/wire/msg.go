// Copyright 2025 The halcyon Authors
// This file is part of the halcyon library.
//
// The halcyon library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The halcyon library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the halcyon library. If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/rlp"
)

// Msg is a single message exchanged with a remote peer. The payload holds
// the RLP encoding of the message body. Codes are relative to the protocol
// the message belongs to; the transport frame offset is applied by the
// connection, not here.
type Msg struct {
	Code    uint64
	Payload []byte
}

// NewMsg creates a message with the RLP encoding of val as payload.
func NewMsg(code uint64, val interface{}) (Msg, error) {
	payload, err := rlp.EncodeToBytes(val)
	if err != nil {
		return Msg{}, err
	}
	return Msg{Code: code, Payload: payload}, nil
}

// Decode parses the RLP content of the message into val, which must be a
// pointer. For the decoding rules, see package rlp.
func (msg Msg) Decode(val interface{}) error {
	if err := rlp.DecodeBytes(msg.Payload, val); err != nil {
		return fmt.Errorf("invalid message (code %#x, size %d): %w", msg.Code, len(msg.Payload), err)
	}
	return nil
}

func (msg Msg) String() string {
	return fmt.Sprintf("msg #%v (%v bytes)", msg.Code, len(msg.Payload))
}

type MsgReader interface {
	ReadMsg() (Msg, error)
}

type MsgWriter interface {
	// WriteMsg sends a message. It blocks until the message has been
	// handed to the underlying transport.
	WriteMsg(Msg) error
}

// MsgReadWriter provides reading and writing of encoded messages.
type MsgReadWriter interface {
	MsgReader
	MsgWriter
}

// Send writes an RLP-encoded message with the given code.
func Send(w MsgWriter, code uint64, val interface{}) error {
	msg, err := NewMsg(code, val)
	if err != nil {
		return err
	}
	return w.WriteMsg(msg)
}

// MsgPipe creates a message pipe. Reads on one end are matched with writes
// on the other. The pipe is full-duplex, both ends implement MsgReadWriter.
func MsgPipe() (*MsgPipeRW, *MsgPipeRW) {
	var (
		c1, c2  = make(chan Msg), make(chan Msg)
		closing = make(chan struct{})
		closed  = new(atomic.Bool)
		rw1     = &MsgPipeRW{c1, c2, closing, closed}
		rw2     = &MsgPipeRW{c2, c1, closing, closed}
	)
	return rw1, rw2
}

// ErrPipeClosed is returned from pipe operations after the
// pipe has been closed.
var ErrPipeClosed = errors.New("wire: read or write on closed message pipe")

// MsgPipeRW is an endpoint of a MsgReadWriter pipe.
type MsgPipeRW struct {
	w       chan<- Msg
	r       <-chan Msg
	closing chan struct{}
	closed  *atomic.Bool
}

// WriteMsg sends a message on the pipe.
// It blocks until the receiver has consumed the message.
func (p *MsgPipeRW) WriteMsg(msg Msg) error {
	if !p.closed.Load() {
		select {
		case p.w <- msg:
			return nil
		case <-p.closing:
		}
	}
	return ErrPipeClosed
}

// ReadMsg returns a message sent on the other end of the pipe.
func (p *MsgPipeRW) ReadMsg() (Msg, error) {
	if !p.closed.Load() {
		select {
		case msg := <-p.r:
			return msg, nil
		case <-p.closing:
		}
	}
	return Msg{}, ErrPipeClosed
}

// Close unblocks any pending ReadMsg and WriteMsg calls on both ends
// of the pipe. They will return ErrPipeClosed.
func (p *MsgPipeRW) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.closing)
	}
	return nil
}
