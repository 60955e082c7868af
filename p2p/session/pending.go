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
	"errors"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/halcyon-eth/halcyon/p2p/transport"
	"github.com/halcyon-eth/halcyon/p2p/wire"
)

// handshakeEnv is the manager-owned, read-only context shared by all
// handshake tasks: local identity, announced protocols and chain state
// providers.
type handshakeEnv struct {
	transport transport.Transport
	localID   wire.PeerID
	clientID  string

	// protocols are the supported versions of the base chain protocol.
	protocols []wire.Protocol
	// handlers are the registered extra sub-protocols.
	handlers []ProtocolHandler

	// chain returns the local chain identity. The Version, Earliest and
	// Latest fields are filled in per connection.
	chain func() wire.Status
	// filter validates the remote fork id against the local chain history.
	filter wire.Filter
	// rangeInfo is the advertised serving range, read at handshake time.
	rangeInfo *RangeInfo
}

// allProtocols returns the base chain protocol versions plus every
// registered handler's protocol.
func (e *handshakeEnv) allProtocols() []wire.Protocol {
	all := append([]wire.Protocol(nil), e.protocols...)
	for _, h := range e.handlers {
		all = append(all, h.Protocol())
	}
	return all
}

// helloMsg builds the local capability announcement.
func (e *handshakeEnv) helloMsg() *wire.Hello {
	protos := e.allProtocols()
	caps := make([]wire.Cap, 0, len(protos))
	for _, p := range protos {
		caps = append(caps, p.Cap)
	}
	wire.SortCaps(caps)
	return &wire.Hello{
		Version:  wire.BaseProtocolVersion,
		ClientID: e.clientID,
		Caps:     caps,
		ID:       e.localID,
	}
}

// localStatus builds the local chain status for the negotiated version.
func (e *handshakeEnv) localStatus(version uint) wire.Status {
	s := e.chain()
	s.Version = version
	if version >= wire.ETH69 {
		r := e.rangeInfo.Snapshot()
		s.Earliest, s.Latest = r.Earliest, r.Latest
	}
	return s
}

// pendingSession is one in-flight connection attempt. It runs on its own
// goroutine and reports exactly one terminal event, racing the handshake
// against the deadline and the manager's cancel signal.
type pendingSession struct {
	id         SessionID
	direction  Direction
	remoteAddr net.Addr
	dialAddr   *net.TCPAddr // outgoing only
	dialDest   *wire.PeerID // outgoing only
	raw        net.Conn     // incoming only, already accepted

	cancel  <-chan struct{}
	timeout time.Duration
	events  chan<- pendingSessionEvent
	env     *handshakeEnv
	log     log.Logger
}

func (p *pendingSession) run() {
	start := time.Now()
	raw := p.raw
	if p.direction == DirOutgoing {
		ctx, done := context.WithTimeout(context.Background(), p.timeout)
		conn, err := p.env.transport.Dial(ctx, p.dialAddr)
		done()
		if err != nil {
			p.log.Debug("connection attempt failed", "addr", p.remoteAddr, "err", err)
			p.events <- pendingConnectError{
				sessionID:  p.id,
				remoteAddr: p.remoteAddr,
				peerID:     *p.dialDest,
				err:        err,
			}
			return
		}
		raw = conn
	}

	type outcome struct {
		est *pendingEstablished
		err *HandshakeError
	}
	resc := make(chan outcome, 1)
	go func() {
		est, herr := p.handshake(raw)
		resc <- outcome{est: est, err: herr}
	}()

	timer := time.NewTimer(p.timeout - time.Since(start))
	defer timer.Stop()

	select {
	case res := <-resc:
		if res.err != nil {
			raw.Close()
			p.events <- p.disconnected(res.err)
			return
		}
		p.events <- *res.est
	case <-timer.C:
		// Closing the stream unblocks the handshake goroutine; its late
		// result lands in the buffered channel and is discarded.
		raw.Close()
		p.events <- p.disconnected(timeoutError())
	case <-p.cancel:
		raw.Close()
		p.events <- p.disconnected(nil)
	}
}

func (p *pendingSession) disconnected(err *HandshakeError) pendingDisconnected {
	ev := pendingDisconnected{
		sessionID:  p.id,
		remoteAddr: p.remoteAddr,
		direction:  p.direction,
		err:        err,
	}
	if p.dialDest != nil {
		ev.peerID = *p.dialDest
	}
	return ev
}

// handshake runs the full authentication pipeline: cryptographic transport
// handshake, capability handshake, capability policy, then the chain status
// exchange over the negotiated stream.
func (p *pendingSession) handshake(raw net.Conn) (*pendingEstablished, *HandshakeError) {
	conn, err := p.env.transport.Secure(context.Background(), raw, p.dialDest)
	if err != nil {
		return nil, authError(err)
	}
	peerID := conn.RemoteID()
	if p.dialDest != nil && peerID != *p.dialDest {
		conn.Close()
		return nil, authError(wire.DiscUnexpectedIdentity)
	}

	remoteHello, err := wire.NegotiateHello(conn, p.env.helloMsg())
	if err != nil {
		conn.Close()
		return nil, ethError(err)
	}
	if remoteHello.ID != peerID {
		p.abort(conn, wire.DiscUnexpectedIdentity)
		return nil, ethError(wire.DiscUnexpectedIdentity)
	}
	conn.SetSnappy(remoteHello.Version >= wire.SnappyProtocolVersion)

	shared := wire.NegotiateCaps(p.env.allProtocols(), remoteHello.Caps)
	ethVersion, err := shared.EthVersion()
	if err != nil {
		p.abort(conn, wire.DiscUselessPeer)
		return nil, ethError(err)
	}

	// Extra capabilities the remote does not speak are either dropped for
	// this connection or, if their handler insists, fatal.
	surviving := make([]ProtocolHandler, 0, len(p.env.handlers))
	for _, h := range p.env.handlers {
		if shared.Contains(h.Protocol().Cap) {
			surviving = append(surviving, h)
			continue
		}
		if h.OnUnsupportedByPeer(shared, p.direction, peerID) == DisconnectSession {
			p.abort(conn, wire.DiscUselessPeer)
			return nil, unsupportedCapError()
		}
	}

	econn := newEthConn(conn, shared, surviving, p.direction, peerID)
	local := p.env.localStatus(ethVersion)
	remoteStatus, err := wire.NegotiateStatus(econn, &local, p.env.filter, p.timeout)
	if err != nil {
		goodbye(econn, statusFailureReason(err))
		return nil, ethError(err)
	}

	caps := make([]wire.Cap, 0, shared.Len())
	for _, c := range shared.List() {
		caps = append(caps, c.Cap)
	}
	return &pendingEstablished{
		sessionID:  p.id,
		remoteAddr: raw.RemoteAddr(),
		localAddr:  raw.LocalAddr(),
		peerID:     peerID,
		caps:       caps,
		status:     remoteStatus,
		conn:       econn,
		direction:  p.direction,
		clientID:   remoteHello.ClientID,
	}, nil
}

// abort tells the remote why we are hanging up before dropping the stream.
// The write is bounded; a stalled peer does not hold up the task.
func (p *pendingSession) abort(conn transport.Conn, reason wire.DisconnectReason) {
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	wire.Send(conn, wire.MsgDisconnect, []interface{}{uint(reason)})
	conn.Close()
}

// goodbye announces the failure reason and tears the stream down in the
// background. The remote may have stopped reading already, so the
// handshake task never waits on the write.
func goodbye(conn *ethConn, reason wire.DisconnectReason) {
	go func() {
		conn.sendDisconnect(reason)
		conn.Close()
	}()
}

// statusFailureReason maps a chain handshake failure to the disconnect
// reason announced to the remote.
func statusFailureReason(err error) wire.DisconnectReason {
	switch {
	case errors.Is(err, wire.ErrProtocolVersionMismatch):
		return wire.DiscIncompatibleVersion
	case errors.Is(err, wire.ErrNetworkIDMismatch),
		errors.Is(err, wire.ErrGenesisMismatch),
		errors.Is(err, wire.ErrRemoteStale),
		errors.Is(err, wire.ErrLocalIncompatibleOrStale):
		return wire.DiscUselessPeer
	default:
		return wire.DiscProtocolError
	}
}
