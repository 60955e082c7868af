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

package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyon-eth/halcyon/p2p/transport"
	"github.com/halcyon-eth/halcyon/p2p/wire"
)

var (
	errInvalidMsgCode = errors.New("invalid message code")
	errConnClosed     = errors.New("connection closed")
)

// ethConn is the finalized connection of a negotiated session. It
// demultiplexes the shared transport by capability code offset: the base
// chain protocol is read through ReadMsg by the session itself, additional
// sub-protocols are handed their own logical stream. With a single shared
// capability the same machinery degenerates to a plain pass-through.
type ethConn struct {
	raw transport.Conn

	eth    *protoRW
	protos []*protoRW

	closeOnce    sync.Once
	closed       chan struct{}
	readErr      error
	lastActivity atomic.Int64 // unix nanos of the last inbound frame
}

// newEthConn wires up the logical streams for every shared capability and
// starts the demultiplexing read loop. Surviving extra handlers are
// connected before the function returns, so the chain handshake can
// proceed over the eth stream while sub-protocols buffer.
func newEthConn(raw transport.Conn, shared wire.SharedCaps, handlers []ProtocolHandler, dir Direction, peer wire.PeerID) *ethConn {
	c := &ethConn{
		raw:    raw,
		closed: make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	for _, cap := range shared.List() {
		rw := &protoRW{proto: cap, conn: c, in: make(chan wire.Msg)}
		c.protos = append(c.protos, rw)
		if cap.Name == wire.EthCapName {
			c.eth = rw
			continue
		}
		for _, handler := range handlers {
			if handler.Protocol().Cap == cap.Cap {
				handler.Connect(dir, peer, rw)
				break
			}
		}
	}
	go c.readLoop()
	return c
}

// ReadMsg reads the next base chain protocol message.
func (c *ethConn) ReadMsg() (wire.Msg, error) {
	return c.eth.ReadMsg()
}

// WriteMsg writes a base chain protocol message.
func (c *ethConn) WriteMsg(msg wire.Msg) error {
	return c.eth.WriteMsg(msg)
}

// messages exposes the inbound eth stream for select loops.
func (c *ethConn) messages() <-chan wire.Msg {
	return c.eth.in
}

func (c *ethConn) closedCh() <-chan struct{} {
	return c.closed
}

// closeErr returns why the connection closed. Only valid after closedCh
// is closed.
func (c *ethConn) closeErr() error {
	return c.readErr
}

func (c *ethConn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// ping sends a base protocol ping frame.
func (c *ethConn) ping() error {
	return wire.Send(c.raw, wire.MsgPing, []interface{}{})
}

// sendDisconnect sends a base protocol disconnect frame with the reason.
// The write is best effort, bounded by a write deadline and by the
// connection's own teardown: a peer that stopped reading cannot stall the
// caller beyond the grace period.
func (c *ethConn) sendDisconnect(reason wire.DisconnectReason) {
	c.raw.SetWriteDeadline(time.Now().Add(disconnectGrace))
	done := make(chan struct{})
	go func() {
		defer close(done)
		wire.Send(c.raw, wire.MsgDisconnect, []interface{}{uint(reason)})
	}()
	select {
	case <-done:
	case <-c.closed:
	case <-time.After(disconnectGrace):
	}
}

// Close tears the connection down locally.
func (c *ethConn) Close() error {
	c.close(errConnClosed)
	return nil
}

func (c *ethConn) close(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.closed)
		c.raw.Close()
	})
}

// readLoop dispatches inbound frames: base protocol messages are handled
// in place, everything else is routed to the owning logical stream by
// code offset.
func (c *ethConn) readLoop() {
	for {
		msg, err := c.raw.ReadMsg()
		if err != nil {
			c.close(err)
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())
		switch {
		case msg.Code == wire.MsgPing:
			go wire.Send(c.raw, wire.MsgPong, []interface{}{})
		case msg.Code == wire.MsgPong:
			// counts as activity, nothing else to do
		case msg.Code == wire.MsgDisconnect:
			c.close(wire.DecodeDisconnect(msg.Payload))
			return
		case msg.Code < wire.BaseProtocolLength:
			// ignore other base protocol messages
		default:
			proto, err := c.getProto(msg.Code)
			if err != nil {
				c.close(err)
				return
			}
			msg.Code -= proto.offset()
			select {
			case proto.in <- msg:
			case <-c.closed:
				return
			}
		}
	}
}

// getProto finds the logical stream responsible for a message code.
func (c *ethConn) getProto(code uint64) (*protoRW, error) {
	for _, proto := range c.protos {
		if code >= proto.offset() && code < proto.offset()+proto.proto.Length {
			return proto, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", errInvalidMsgCode, code)
}

// protoRW is the logical stream of one shared capability. Reads are fed by
// the demultiplexer; writes apply the code offset and go straight to the
// transport, which serializes concurrent writers.
type protoRW struct {
	proto wire.SharedCap
	conn  *ethConn
	in    chan wire.Msg
}

func (rw *protoRW) offset() uint64 {
	return rw.proto.Offset
}

func (rw *protoRW) ReadMsg() (wire.Msg, error) {
	select {
	case msg := <-rw.in:
		return msg, nil
	case <-rw.conn.closed:
		return wire.Msg{}, rw.conn.readErr
	}
}

func (rw *protoRW) WriteMsg(msg wire.Msg) error {
	if msg.Code >= rw.proto.Length {
		return fmt.Errorf("%w: %d not in %s space", errInvalidMsgCode, msg.Code, rw.proto.Cap)
	}
	select {
	case <-rw.conn.closed:
		return rw.conn.readErr
	default:
	}
	msg.Code += rw.proto.Offset
	return rw.conn.raw.WriteMsg(msg)
}
