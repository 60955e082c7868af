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

// Package transport abstracts the encrypted, authenticated byte transport
// underneath a peer session. The default implementation speaks RLPx.
package transport

import (
	"context"
	"crypto/ecdsa"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/rlpx"

	"github.com/halcyon-eth/halcyon/p2p/wire"
)

// Conn is an authenticated message transport to a single remote peer.
// The remote identity is known once the cryptographic handshake completed.
// WriteMsg must be safe for concurrent use; reads have a single owner.
type Conn interface {
	wire.MsgReadWriter

	// RemoteID returns the authenticated identity of the remote peer.
	RemoteID() wire.PeerID

	// SetSnappy toggles frame payload compression. It is enabled after the
	// capability handshake if both sides are recent enough.
	SetSnappy(enabled bool)

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Transport produces raw and authenticated connections. Implementations
// encapsulate the cryptographic handshake; callers treat Secure as an
// opaque asynchronous operation.
type Transport interface {
	// Dial opens a raw stream to the given address.
	Dial(ctx context.Context, addr *net.TCPAddr) (net.Conn, error)

	// Secure runs the cryptographic handshake on a raw stream. A nil
	// dialDest means the local node is the responding side; otherwise the
	// handshake is initiated towards the expected remote identity.
	Secure(ctx context.Context, conn net.Conn, dialDest *wire.PeerID) (Conn, error)
}

// RLPx is the production Transport: ECIES key agreement plus the RLPx
// frame codec, as implemented by go-ethereum's rlpx package.
type RLPx struct {
	key    *ecdsa.PrivateKey
	dialer net.Dialer
}

// NewRLPx creates an RLPx transport authenticating as the given key.
func NewRLPx(key *ecdsa.PrivateKey) *RLPx {
	return &RLPx{key: key}
}

// Dial opens a TCP connection. Nagle's algorithm is disabled, handshake
// messages are small and latency-bound.
func (t *RLPx) Dial(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Secure runs the RLPx handshake on conn.
func (t *RLPx) Secure(ctx context.Context, conn net.Conn, dialDest *wire.PeerID) (Conn, error) {
	var destKey *ecdsa.PublicKey
	if dialDest != nil {
		pub, err := dialDest.Pubkey()
		if err != nil {
			return nil, err
		}
		destKey = pub
	}
	fd := rlpx.NewConn(conn, destKey)
	if deadline, ok := ctx.Deadline(); ok {
		fd.SetDeadline(deadline)
	}
	remote, err := fd.Handshake(t.key)
	if err != nil {
		fd.Close()
		return nil, err
	}
	fd.SetDeadline(time.Time{})
	return &rlpxConn{fd: fd, remote: wire.PubkeyToID(remote)}, nil
}

type rlpxConn struct {
	fd     *rlpx.Conn
	wmu    sync.Mutex
	remote wire.PeerID
}

func (c *rlpxConn) ReadMsg() (wire.Msg, error) {
	code, data, _, err := c.fd.Read()
	if err != nil {
		return wire.Msg{}, err
	}
	return wire.Msg{Code: code, Payload: data}, nil
}

// WriteMsg is safe for concurrent use, the frame codec is not.
func (c *rlpxConn) WriteMsg(msg wire.Msg) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.fd.Write(msg.Code, msg.Payload)
	return err
}

func (c *rlpxConn) RemoteID() wire.PeerID { return c.remote }

func (c *rlpxConn) SetSnappy(enabled bool) { c.fd.SetSnappy(enabled) }

func (c *rlpxConn) SetDeadline(t time.Time) error      { return c.fd.SetDeadline(t) }
func (c *rlpxConn) SetReadDeadline(t time.Time) error  { return c.fd.SetReadDeadline(t) }
func (c *rlpxConn) SetWriteDeadline(t time.Time) error { return c.fd.SetWriteDeadline(t) }

func (c *rlpxConn) Close() error { return c.fd.Close() }
