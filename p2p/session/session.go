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

// Package session manages the lifecycle of peer connections: handshake
// admission and execution, the registry of established sessions and the
// event stream reporting their fate.
package session

import (
	"context"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/halcyon-eth/halcyon/p2p/transport"
	"github.com/halcyon-eth/halcyon/p2p/wire"
)

// Node describes the local node to the session manager: its transport,
// identity, announced protocols and chain state providers.
type Node struct {
	Transport transport.Transport
	ID        wire.PeerID
	ClientID  string

	// Protocols are the supported versions of the base chain protocol.
	Protocols []wire.Protocol
	// Handlers are extra sub-protocols negotiated alongside it.
	Handlers []ProtocolHandler

	// Chain returns the local chain identity for the status handshake. The
	// per-connection fields (version, served range) are filled in by the
	// manager.
	Chain func() wire.Status
	// ForkFilter validates remote fork ids. Nil disables the check.
	ForkFilter wire.Filter
}

// Manager tracks all connection attempts and established sessions. It is
// not safe for concurrent use: one goroutine owns it and drives it by
// calling Next and the mutating methods, the way an event loop would.
// Handshakes and session pumps run on their own goroutines and report back
// through internal channels that Next drains.
type Manager struct {
	cfg  Config
	node Node
	env  *handshakeEnv

	nextID      SessionID
	counter     *sessionCounter
	disconnects *disconnectLimiter
	rangeInfo   *RangeInfo

	pending map[SessionID]*pendingSessionHandle
	active  map[wire.PeerID]*ActiveSessionHandle

	pendingEvents chan pendingSessionEvent
	activeEvents  chan activeSessionMessage

	log log.Logger
}

// NewManager creates a session manager for the local node.
func NewManager(node Node, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:           cfg,
		node:          node,
		counter:       newSessionCounter(cfg.Limits),
		disconnects:   newDisconnectLimiter(),
		rangeInfo:     newRangeInfo(0, 0, common.Hash{}),
		pending:       make(map[SessionID]*pendingSessionHandle),
		active:        make(map[wire.PeerID]*ActiveSessionHandle),
		pendingEvents: make(chan pendingSessionEvent, cfg.SessionEventBuffer),
		activeEvents:  make(chan activeSessionMessage, cfg.SessionEventBuffer),
		log:           log.New("mod", "session"),
	}
	m.env = &handshakeEnv{
		transport: node.Transport,
		localID:   node.ID,
		clientID:  node.ClientID,
		protocols: node.Protocols,
		handlers:  node.Handlers,
		chain:     node.Chain,
		filter:    node.ForkFilter,
		rangeInfo: m.rangeInfo,
	}
	return m
}

// PendingCount returns the number of in-flight handshakes per direction.
func (m *Manager) PendingCount(dir Direction) int { return m.counter.pending(dir) }

// ActiveCount returns the number of established sessions per direction.
func (m *Manager) ActiveCount(dir Direction) int { return m.counter.active(dir) }

// Peers returns the handles of all established sessions.
func (m *Manager) Peers() []*ActiveSessionHandle {
	handles := make([]*ActiveSessionHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	return handles
}

// Peer returns the handle of an established session, if any.
func (m *Manager) Peer(id wire.PeerID) (*ActiveSessionHandle, bool) {
	h, ok := m.active[id]
	return h, ok
}

// Accept admits an already accepted inbound stream. The admission check is
// synchronous; once the session id is returned the handshake runs in the
// background and eventually yields exactly one terminal event through Next.
func (m *Manager) Accept(conn net.Conn) (SessionID, error) {
	if err := m.counter.ensurePendingInbound(); err != nil {
		return 0, err
	}
	id := m.nextSessionID()
	p := &pendingSession{
		id:         id,
		direction:  DirIncoming,
		remoteAddr: conn.RemoteAddr(),
		raw:        conn,
		timeout:    m.cfg.PendingSessionTimeout,
		events:     m.pendingEvents,
		env:        m.env,
		log:        m.log,
	}
	m.spawnPending(p, wire.PeerID{})
	return id, nil
}

// Dial starts an outbound connection attempt to the peer at addr.
func (m *Manager) Dial(addr *net.TCPAddr, peer wire.PeerID) (SessionID, error) {
	if err := m.counter.ensurePendingOutbound(); err != nil {
		return 0, err
	}
	id := m.nextSessionID()
	dest := peer
	p := &pendingSession{
		id:         id,
		direction:  DirOutgoing,
		remoteAddr: addr,
		dialAddr:   addr,
		dialDest:   &dest,
		timeout:    m.cfg.PendingSessionTimeout,
		events:     m.pendingEvents,
		env:        m.env,
		log:        m.log,
	}
	m.spawnPending(p, peer)
	return id, nil
}

func (m *Manager) nextSessionID() SessionID {
	id := m.nextID
	m.nextID++
	return id
}

func (m *Manager) spawnPending(p *pendingSession, peer wire.PeerID) {
	cancel := make(chan struct{})
	p.cancel = cancel
	m.pending[p.id] = &pendingSessionHandle{
		cancel:    cancel,
		direction: p.direction,
		peerID:    peer,
	}
	m.counter.incPending(p.direction)
	m.syncGauges()
	go p.run()
}

// RejectIncoming turns away an inbound stream that was not admitted. The
// goodbye still requires the cryptographic handshake, so it runs as a
// bounded background task; at capacity the stream is dropped cold.
func (m *Manager) RejectIncoming(conn net.Conn) {
	rejectedMeter.Mark(1)
	guard, ok := m.disconnects.tryAcquire()
	if !ok {
		conn.Close()
		return
	}
	env := m.env
	go func() {
		defer guard.Release()
		defer conn.Close()
		ctx, done := context.WithTimeout(context.Background(), disconnectGrace)
		defer done()
		tc, err := env.transport.Secure(ctx, conn, nil)
		if err != nil {
			return
		}
		tc.SetWriteDeadline(time.Now().Add(disconnectGrace))
		wire.Send(tc, wire.MsgDisconnect, []interface{}{uint(wire.DiscTooManyPeers)})
		tc.Close()
	}()
}

// SendMessage queues a protocol message to an established session. It
// reports false if the peer is unknown or the session's command buffer is
// full; the message is dropped, never queued elsewhere.
func (m *Manager) SendMessage(peer wire.PeerID, msg wire.Msg) bool {
	h, ok := m.active[peer]
	if !ok {
		return false
	}
	if !h.sendMessage(msg) {
		droppedMessagesCounter.Inc(1)
		return false
	}
	return true
}

// Disconnect asks an established session to close gracefully. Unknown
// peers are ignored.
func (m *Manager) Disconnect(peer wire.PeerID, reason wire.DisconnectReason) {
	h, ok := m.active[peer]
	if !ok {
		return
	}
	m.disconnectHandle(h, reason)
}

// DisconnectAll asks every established session to close gracefully.
func (m *Manager) DisconnectAll(reason wire.DisconnectReason) {
	for _, h := range m.active {
		m.disconnectHandle(h, reason)
	}
}

// disconnectHandle asks the session's pump to say goodbye. The pump owns
// the teardown, so no disconnect slot is taken: the limiter only bounds
// detached background goodbyes, which have no pump watching over them.
func (m *Manager) disconnectHandle(h *ActiveSessionHandle, reason wire.DisconnectReason) {
	disconnectMeter.Mark(1)
	select {
	case h.commands <- disconnectCommand{reason: reason}:
	default:
		droppedCommandsCounter.Inc(1)
	}
}

// DisconnectAllPending aborts every in-flight handshake. Each aborted
// attempt still reports its terminal event, with a nil error.
func (m *Manager) DisconnectAllPending() {
	for _, h := range m.pending {
		h.disconnect()
	}
}

// UpdateAdvertisedRange replaces the block range advertised to peers. New
// handshakes pick it up immediately; established eth/69 sessions are asked
// to announce it with a range update message.
func (m *Manager) UpdateAdvertisedRange(earliest, latest uint64, latestHash common.Hash) {
	m.rangeInfo.Update(earliest, latest, latestHash)
	for _, h := range m.active {
		if h.Version < wire.ETH69 {
			continue
		}
		select {
		case h.commands <- announceRangeCommand{}:
		default:
			droppedCommandsCounter.Inc(1)
		}
	}
}

// Next returns the next session event. Events from established sessions
// are drained before pending-session events so steady-state traffic is not
// starved by handshake churn. It blocks until an event arrives or the
// context ends.
func (m *Manager) Next(ctx context.Context) (SessionEvent, error) {
	for {
		select {
		case msg := <-m.activeEvents:
			if ev := m.onActiveMessage(msg); ev != nil {
				return ev, nil
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-m.activeEvents:
			if ev := m.onActiveMessage(msg); ev != nil {
				return ev, nil
			}
		case ev := <-m.pendingEvents:
			if out := m.onPendingEvent(ev); out != nil {
				return out, nil
			}
		}
	}
}

// onPendingEvent settles the books for a finished handshake task and
// translates its report into the public event. A nil return means the
// event was absorbed.
func (m *Manager) onPendingEvent(ev pendingSessionEvent) SessionEvent {
	switch ev := ev.(type) {
	case pendingEstablished:
		return m.onEstablished(ev)

	case pendingDisconnected:
		m.removePending(ev.sessionID, ev.direction)
		if ev.err != nil {
			handshakeFailureMeter.Mark(1)
			if ev.err.IsTimeout() {
				handshakeTimeoutMeter.Mark(1)
			}
		}
		if ev.direction == DirIncoming {
			return IncomingPendingSessionClosed{RemoteAddr: ev.remoteAddr, Err: ev.err}
		}
		return OutgoingPendingSessionClosed{RemoteAddr: ev.remoteAddr, PeerID: ev.peerID, Err: ev.err}

	case pendingConnectError:
		m.removePending(ev.sessionID, DirOutgoing)
		dialFailureMeter.Mark(1)
		return OutgoingConnectionError{RemoteAddr: ev.remoteAddr, PeerID: ev.peerID, Err: ev.err}
	}
	return nil
}

// onEstablished promotes a finished handshake to an active session, unless
// the peer is already connected or the attempt was cancelled while the
// handshake was completing.
func (m *Manager) onEstablished(ev pendingEstablished) SessionEvent {
	handle := m.pending[ev.sessionID]
	m.removePending(ev.sessionID, ev.direction)

	if handle != nil && handle.cancelled {
		// The cancel lost the race against handshake completion. Honor it.
		m.dropConn(ev.conn, wire.DiscRequested)
		if ev.direction == DirIncoming {
			return IncomingPendingSessionClosed{RemoteAddr: ev.remoteAddr}
		}
		return OutgoingPendingSessionClosed{RemoteAddr: ev.remoteAddr, PeerID: ev.peerID}
	}

	if _, connected := m.active[ev.peerID]; connected {
		alreadyConnectedMeter.Mark(1)
		m.dropConn(ev.conn, wire.DiscAlreadyConnected)
		return AlreadyConnected{PeerID: ev.peerID, RemoteAddr: ev.remoteAddr, Direction: ev.direction}
	}

	commands := make(chan sessionCommand, m.cfg.SessionCommandBuffer)
	timeout := newAtomicDuration(m.cfg.InitialInternalRequestTimeout)
	remoteRange := newRangeInfo(ev.status.Earliest, ev.status.Latest, ev.status.Head)

	h := &ActiveSessionHandle{
		SessionID:   ev.sessionID,
		PeerID:      ev.peerID,
		Direction:   ev.direction,
		Version:     ev.status.Version,
		Caps:        ev.caps,
		Status:      ev.status,
		ClientID:    ev.clientID,
		Established: time.Now(),
		RemoteAddr:  ev.remoteAddr,
		LocalAddr:   ev.localAddr,
		commands:    commands,
	}
	m.active[ev.peerID] = h
	m.counter.incActive(ev.direction)
	m.syncGauges()
	establishedMeter.Mark(1)

	s := &activeSession{
		id:                     ev.sessionID,
		peerID:                 ev.peerID,
		direction:              ev.direction,
		remoteAddr:             ev.remoteAddr,
		version:                ev.status.Version,
		conn:                   ev.conn,
		commands:               commands,
		toManager:              m.activeEvents,
		internalRequestTimeout: timeout,
		breachTimeout:          m.cfg.ProtocolBreachRequestTimeout,
		remoteRange:            remoteRange,
		localRange:             m.rangeInfo,
		log:                    m.log.New("peer", ev.peerID),
	}
	go s.run()

	m.log.Debug("session established", "peer", ev.peerID, "direction", ev.direction,
		"version", ev.status.Version, "client", ev.clientID)

	return SessionEstablished{
		SessionID:  ev.sessionID,
		PeerID:     ev.peerID,
		RemoteAddr: ev.remoteAddr,
		LocalAddr:  ev.localAddr,
		ClientID:   ev.clientID,
		Version:    ev.status.Version,
		Caps:       ev.caps,
		Status:     ev.status,
		Direction:  ev.direction,
		Timeout:    timeout,
		Range:      remoteRange,
	}
}

// onActiveMessage translates a report from an active session's pump and
// maintains the registry for terminal ones.
func (m *Manager) onActiveMessage(msg activeSessionMessage) SessionEvent {
	switch msg := msg.(type) {
	case activeValidMessage:
		return ValidMessage{PeerID: msg.peerID, Msg: msg.msg}

	case activeBadMessage:
		return BadMessage{PeerID: msg.peerID}

	case activeProtocolBreach:
		return ProtocolBreach{PeerID: msg.peerID}

	case activeDisconnected:
		m.removeActive(msg.peerID)
		return Disconnected{PeerID: msg.peerID, RemoteAddr: msg.remoteAddr}

	case activeClosedOnError:
		m.removeActive(msg.peerID)
		return SessionClosedOnConnectionError{PeerID: msg.peerID, RemoteAddr: msg.remoteAddr, Err: msg.err}
	}
	return nil
}

// dropConn discards a negotiated connection the manager has no use for.
// The goodbye happens in the background so a stalled peer cannot hold up
// the event loop; at limiter capacity the connection is dropped cold.
func (m *Manager) dropConn(conn *ethConn, reason wire.DisconnectReason) {
	guard, ok := m.disconnects.tryAcquire()
	if !ok {
		conn.Close()
		return
	}
	go func() {
		defer guard.Release()
		conn.sendDisconnect(reason)
		select {
		case <-conn.closedCh():
		case <-time.After(disconnectGrace):
		}
		conn.Close()
	}()
}

func (m *Manager) removePending(id SessionID, dir Direction) {
	if _, ok := m.pending[id]; ok {
		delete(m.pending, id)
		m.counter.decPending(dir)
		m.syncGauges()
	}
}

func (m *Manager) removeActive(peer wire.PeerID) {
	h, ok := m.active[peer]
	if !ok {
		return
	}
	delete(m.active, peer)
	m.counter.decActive(h.Direction)
	m.syncGauges()
}

func (m *Manager) syncGauges() {
	pendingInboundGauge.Update(int64(m.counter.pending(DirIncoming)))
	pendingOutboundGauge.Update(int64(m.counter.pending(DirOutgoing)))
	activeInboundGauge.Update(int64(m.counter.active(DirIncoming)))
	activeOutboundGauge.Update(int64(m.counter.active(DirOutgoing)))
}
