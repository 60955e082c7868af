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
	"context"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/halcyon-eth/halcyon/p2p/transport"
	"github.com/halcyon-eth/halcyon/p2p/wire"
)

var testGenesis = common.HexToHash("0xd4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3")

func testPeerID(b byte) wire.PeerID {
	var id wire.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func testChainStatus() wire.Status {
	return wire.Status{
		NetworkID: 1,
		TD:        uint256.NewInt(1000),
		Head:      common.HexToHash("0xbeef"),
		Genesis:   testGenesis,
	}
}

// pipeConn adapts a message pipe end to the transport connection interface.
type pipeConn struct {
	*wire.MsgPipeRW
	remote wire.PeerID
}

func (c *pipeConn) RemoteID() wire.PeerID            { return c.remote }
func (c *pipeConn) SetSnappy(bool)                   {}
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

// peerScript drives the remote side of a fake connection.
type peerScript func(rw *wire.MsgPipeRW, id wire.PeerID)

// fakeTransport hands out message pipes instead of real encrypted streams.
// Each secured connection spawns the configured script as the remote peer.
// Closing the raw stream tears the pipe down, mirroring how closing a
// socket kills the session on top of it.
type fakeTransport struct {
	incomingID wire.PeerID
	script     peerScript
	secureErr  error
}

func (t *fakeTransport) Dial(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
	local, _ := net.Pipe()
	return local, nil
}

func (t *fakeTransport) Secure(ctx context.Context, raw net.Conn, dialDest *wire.PeerID) (transport.Conn, error) {
	if t.secureErr != nil {
		return nil, t.secureErr
	}
	id := t.incomingID
	if dialDest != nil {
		id = *dialDest
	}
	local, remote := wire.MsgPipe()
	go func() {
		buf := make([]byte, 1)
		raw.Read(buf)
		local.Close()
	}()
	if t.script != nil {
		go t.script(remote, id)
	}
	return &pipeConn{MsgPipeRW: local, remote: id}, nil
}

// offsetRW shifts message codes by the capability offset, letting a test
// peer speak a sub-protocol over the shared stream.
type offsetRW struct {
	rw     wire.MsgReadWriter
	offset uint64
}

func (o offsetRW) ReadMsg() (wire.Msg, error) {
	for {
		msg, err := o.rw.ReadMsg()
		if err != nil {
			return msg, err
		}
		if msg.Code < wire.BaseProtocolLength {
			// skip pings and other base traffic
			continue
		}
		msg.Code -= o.offset
		return msg, nil
	}
}

func (o offsetRW) WriteMsg(msg wire.Msg) error {
	msg.Code += o.offset
	return o.rw.WriteMsg(msg)
}

// ethPeerScript returns a script completing the full handshake as an eth
// peer with the given identity, then handing control to then.
func ethPeerScript(version uint, then func(rw *wire.MsgPipeRW, eth offsetRW)) peerScript {
	return func(rw *wire.MsgPipeRW, id wire.PeerID) {
		hello := &wire.Hello{
			Version:  wire.BaseProtocolVersion,
			ClientID: "remote/v1.0",
			Caps:     []wire.Cap{{Name: wire.EthCapName, Version: version}},
			ID:       id,
		}
		if _, err := wire.NegotiateHello(rw, hello); err != nil {
			return
		}
		eth := offsetRW{rw: rw, offset: wire.BaseProtocolLength}
		status := testChainStatus()
		status.Version = version
		if _, err := wire.NegotiateStatus(eth, &status, nil, time.Second); err != nil {
			return
		}
		if then != nil {
			then(rw, eth)
		}
	}
}

// drainUntilDisconnect keeps reading until the peer says goodbye or the
// pipe dies, then hangs up.
func drainUntilDisconnect(rw *wire.MsgPipeRW) {
	for {
		msg, err := rw.ReadMsg()
		if err != nil {
			return
		}
		if msg.Code == wire.MsgDisconnect {
			rw.Close()
			return
		}
	}
}

func testNode(t transport.Transport) Node {
	return Node{
		Transport: t,
		ID:        testPeerID(0xaa),
		ClientID:  "local/v1.0",
		Protocols: wire.EthProtocols(wire.ETH68),
		Chain:     testChainStatus,
	}
}

// nextEvent drives the manager with a deadline so a wedged test fails
// instead of hanging.
func nextEvent(m *Manager) (SessionEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.Next(ctx)
}
