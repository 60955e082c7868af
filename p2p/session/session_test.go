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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-eth/halcyon/p2p/wire"
)

var testAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 30303}

type testHandler struct {
	proto     wire.Protocol
	policy    OnUnsupported
	connected chan wire.MsgReadWriter
}

func (h *testHandler) Protocol() wire.Protocol { return h.proto }

func (h *testHandler) OnUnsupportedByPeer(wire.SharedCaps, Direction, wire.PeerID) OnUnsupported {
	return h.policy
}

func (h *testHandler) Connect(dir Direction, peer wire.PeerID, rw wire.MsgReadWriter) {
	if h.connected != nil {
		h.connected <- rw
	}
}

func TestManagerDialLimit(t *testing.T) {
	tr := &fakeTransport{} // handshakes never complete
	m := NewManager(testNode(tr), Config{Limits: Limits{MaxOutbound: 2}})

	id, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)
	assert.Equal(t, SessionID(0), id)

	id, err = m.Dial(testAddr, testPeerID(2))
	require.NoError(t, err)
	assert.Equal(t, SessionID(1), id)

	_, err = m.Dial(testAddr, testPeerID(3))
	var limitErr SessionLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, SessionLimitError(2), limitErr)

	assert.Equal(t, 2, m.PendingCount(DirOutgoing))
	assert.Equal(t, 0, m.PendingCount(DirIncoming))
}

func TestManagerAcceptLimit(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(testNode(tr), Config{Limits: Limits{MaxInbound: 1}})

	c1, _ := net.Pipe()
	_, err := m.Accept(c1)
	require.NoError(t, err)

	c2, _ := net.Pipe()
	_, err = m.Accept(c2)
	var limitErr SessionLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, m.PendingCount(DirIncoming))
}

func TestManagerEstablishedSession(t *testing.T) {
	tr := &fakeTransport{script: ethPeerScript(wire.ETH68, func(rw *wire.MsgPipeRW, eth offsetRW) {
		wire.Send(eth, 0x03, []string{"hi"})
		drainUntilDisconnect(rw)
	})}
	m := NewManager(testNode(tr), Config{})
	peer := testPeerID(1)

	id, err := m.Dial(testAddr, peer)
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	est, ok := ev.(SessionEstablished)
	require.True(t, ok, "want SessionEstablished, got %T", ev)
	assert.Equal(t, id, est.SessionID)
	assert.Equal(t, peer, est.PeerID)
	assert.Equal(t, DirOutgoing, est.Direction)
	assert.Equal(t, uint(wire.ETH68), est.Version)
	assert.Equal(t, "remote/v1.0", est.ClientID)
	require.NotNil(t, est.Status)
	assert.Equal(t, uint64(1), est.Status.NetworkID)

	assert.Equal(t, 1, m.ActiveCount(DirOutgoing))
	assert.Equal(t, 0, m.PendingCount(DirOutgoing))
	_, found := m.Peer(peer)
	assert.True(t, found)

	ev, err = nextEvent(m)
	require.NoError(t, err)
	msg, ok := ev.(ValidMessage)
	require.True(t, ok, "want ValidMessage, got %T", ev)
	assert.Equal(t, peer, msg.PeerID)
	assert.Equal(t, uint64(0x03), msg.Msg.Code)

	out, err := wire.NewMsg(0x04, []string{"pong"})
	require.NoError(t, err)
	assert.True(t, m.SendMessage(peer, out))
	assert.False(t, m.SendMessage(testPeerID(99), out))

	m.Disconnect(peer, wire.DiscRequested)
	ev, err = nextEvent(m)
	require.NoError(t, err)
	disc, ok := ev.(Disconnected)
	require.True(t, ok, "want Disconnected, got %T", ev)
	assert.Equal(t, peer, disc.PeerID)
	assert.Equal(t, 0, m.ActiveCount(DirOutgoing))
}

func TestManagerIncomingSession(t *testing.T) {
	tr := &fakeTransport{
		incomingID: testPeerID(9),
		script: ethPeerScript(wire.ETH68, func(rw *wire.MsgPipeRW, eth offsetRW) {
			drainUntilDisconnect(rw)
		}),
	}
	m := NewManager(testNode(tr), Config{})

	conn, _ := net.Pipe()
	_, err := m.Accept(conn)
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	est, ok := ev.(SessionEstablished)
	require.True(t, ok, "want SessionEstablished, got %T", ev)
	assert.Equal(t, DirIncoming, est.Direction)
	assert.Equal(t, testPeerID(9), est.PeerID)
	assert.Equal(t, 1, m.ActiveCount(DirIncoming))
}

func TestManagerAlreadyConnected(t *testing.T) {
	tr := &fakeTransport{script: ethPeerScript(wire.ETH68, func(rw *wire.MsgPipeRW, eth offsetRW) {
		drainUntilDisconnect(rw)
	})}
	m := NewManager(testNode(tr), Config{})
	peer := testPeerID(1)

	_, err := m.Dial(testAddr, peer)
	require.NoError(t, err)
	_, err = m.Dial(testAddr, peer)
	require.NoError(t, err)

	var established, duplicate int
	for i := 0; i < 2; i++ {
		ev, err := nextEvent(m)
		require.NoError(t, err)
		switch ev := ev.(type) {
		case SessionEstablished:
			established++
		case AlreadyConnected:
			duplicate++
			assert.Equal(t, peer, ev.PeerID)
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	assert.Equal(t, 1, established)
	assert.Equal(t, 1, duplicate)
	assert.Equal(t, 1, m.ActiveCount(DirOutgoing))
}

func TestManagerHandshakeTimeout(t *testing.T) {
	tr := &fakeTransport{} // remote never answers the hello
	m := NewManager(testNode(tr), Config{PendingSessionTimeout: 100 * time.Millisecond})
	peer := testPeerID(1)

	_, err := m.Dial(testAddr, peer)
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	closed, ok := ev.(OutgoingPendingSessionClosed)
	require.True(t, ok, "want OutgoingPendingSessionClosed, got %T", ev)
	assert.Equal(t, peer, closed.PeerID)
	require.NotNil(t, closed.Err)
	assert.True(t, closed.Err.IsTimeout())
	assert.Equal(t, 0, m.PendingCount(DirOutgoing))
}

func TestManagerAuthFailure(t *testing.T) {
	tr := &fakeTransport{secureErr: errors.New("ecies: bad key")}
	m := NewManager(testNode(tr), Config{})

	_, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	closed, ok := ev.(OutgoingPendingSessionClosed)
	require.True(t, ok, "want OutgoingPendingSessionClosed, got %T", ev)
	require.NotNil(t, closed.Err)
	assert.True(t, closed.Err.IsAuth())
}

func TestManagerBadHelloClass(t *testing.T) {
	// The remote answers the capability handshake with something that is
	// not a hello. That is a protocol failure, not a transport one, so it
	// must not be classed with the cryptographic handshake errors.
	tr := &fakeTransport{script: func(rw *wire.MsgPipeRW, id wire.PeerID) {
		rw.ReadMsg()
		wire.Send(rw, 0x09, []interface{}{})
	}}
	m := NewManager(testNode(tr), Config{})

	_, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	closed, ok := ev.(OutgoingPendingSessionClosed)
	require.True(t, ok, "want OutgoingPendingSessionClosed, got %T", ev)
	require.NotNil(t, closed.Err)
	assert.False(t, closed.Err.IsAuth())
	assert.False(t, closed.Err.IsTimeout())
}

func TestManagerDisconnectNoSlotLeak(t *testing.T) {
	m := NewManager(testNode(&fakeTransport{}), Config{})

	// A session whose pump is already gone: commands pile up unconsumed.
	h := &ActiveSessionHandle{PeerID: testPeerID(1), commands: make(chan sessionCommand, 4)}
	m.active[h.PeerID] = h

	for i := 0; i < 2*maxConcurrentGracefulDisconnects; i++ {
		m.Disconnect(h.PeerID, wire.DiscRequested)
	}

	// Graceful goodbyes must still have their full budget.
	guards := make([]*disconnectGuard, 0, maxConcurrentGracefulDisconnects)
	for i := 0; i < maxConcurrentGracefulDisconnects; i++ {
		g, ok := m.disconnects.tryAcquire()
		require.True(t, ok, "slot %d", i)
		guards = append(guards, g)
	}
	for _, g := range guards {
		g.Release()
	}
}

func TestManagerDisconnectAllPending(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(testNode(tr), Config{})

	_, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)
	_, err = m.Dial(testAddr, testPeerID(2))
	require.NoError(t, err)
	require.Equal(t, 2, m.PendingCount(DirOutgoing))

	m.DisconnectAllPending()
	for i := 0; i < 2; i++ {
		ev, err := nextEvent(m)
		require.NoError(t, err)
		closed, ok := ev.(OutgoingPendingSessionClosed)
		require.True(t, ok, "want OutgoingPendingSessionClosed, got %T", ev)
		assert.Nil(t, closed.Err)
	}
	assert.Equal(t, 0, m.PendingCount(DirOutgoing))
}

func TestManagerMandatoryCapability(t *testing.T) {
	handler := &testHandler{
		proto:  wire.Protocol{Cap: wire.Cap{Name: "hal", Version: 1}, Length: 8},
		policy: DisconnectSession,
	}
	tr := &fakeTransport{script: ethPeerScript(wire.ETH68, nil)} // remote only speaks eth
	node := testNode(tr)
	node.Handlers = []ProtocolHandler{handler}
	m := NewManager(node, Config{})

	_, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	closed, ok := ev.(OutgoingPendingSessionClosed)
	require.True(t, ok, "want OutgoingPendingSessionClosed, got %T", ev)
	require.NotNil(t, closed.Err)
	assert.True(t, closed.Err.IsUnsupportedCapability())
}

func TestManagerOptionalCapabilityDropped(t *testing.T) {
	handler := &testHandler{
		proto:     wire.Protocol{Cap: wire.Cap{Name: "hal", Version: 1}, Length: 8},
		policy:    KeepSession,
		connected: make(chan wire.MsgReadWriter, 1),
	}
	tr := &fakeTransport{script: ethPeerScript(wire.ETH68, func(rw *wire.MsgPipeRW, eth offsetRW) {
		drainUntilDisconnect(rw)
	})}
	node := testNode(tr)
	node.Handlers = []ProtocolHandler{handler}
	m := NewManager(node, Config{})

	_, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	est, ok := ev.(SessionEstablished)
	require.True(t, ok, "want SessionEstablished, got %T", ev)
	assert.Equal(t, []wire.Cap{{Name: "eth", Version: 68}}, est.Caps)
	assert.Empty(t, handler.connected, "dropped handler must not be connected")
}

func TestManagerForkMismatch(t *testing.T) {
	schedule := wire.ForkSchedule{Genesis: testGenesis, Forks: []uint64{100}}
	tr := &fakeTransport{script: ethPeerScript(wire.ETH68, nil)} // remote sends a zero fork id
	node := testNode(tr)
	node.ForkFilter = schedule.Filter(func() uint64 { return 200 })
	m := NewManager(node, Config{})

	_, err := m.Dial(testAddr, testPeerID(1))
	require.NoError(t, err)

	ev, err := nextEvent(m)
	require.NoError(t, err)
	closed, ok := ev.(OutgoingPendingSessionClosed)
	require.True(t, ok, "want OutgoingPendingSessionClosed, got %T", ev)
	require.NotNil(t, closed.Err)
	assert.False(t, closed.Err.IsAuth())
	assert.ErrorIs(t, closed.Err, wire.ErrLocalIncompatibleOrStale)
	assert.Equal(t, 0, m.PendingCount(DirOutgoing))
}

func TestManagerEventPriority(t *testing.T) {
	m := NewManager(testNode(&fakeTransport{}), Config{})

	// Preload both internal channels; traffic from established sessions
	// must be drained before handshake reports.
	m.pendingEvents <- pendingConnectError{sessionID: 99, remoteAddr: testAddr, peerID: testPeerID(2), err: errors.New("refused")}
	m.activeEvents <- activeValidMessage{peerID: testPeerID(1), msg: wire.Msg{Code: 0x03}}

	ev, err := nextEvent(m)
	require.NoError(t, err)
	_, ok := ev.(ValidMessage)
	require.True(t, ok, "want ValidMessage first, got %T", ev)

	ev, err = nextEvent(m)
	require.NoError(t, err)
	_, ok = ev.(OutgoingConnectionError)
	require.True(t, ok, "want OutgoingConnectionError, got %T", ev)
}

func TestManagerNextContextCancel(t *testing.T) {
	m := NewManager(testNode(&fakeTransport{}), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
