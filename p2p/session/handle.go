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
	"net"
	"time"

	"github.com/halcyon-eth/halcyon/p2p/wire"
)

// pendingSessionHandle is the manager's record of an in-flight handshake.
// Closing the cancel channel terminates the attempt; the handle is removed
// exactly once, when the terminal event arrives.
type pendingSessionHandle struct {
	cancel    chan struct{}
	cancelled bool
	direction Direction
	peerID    wire.PeerID // zero for incoming, identity unknown until mid-handshake
}

// disconnect signals the handshake task to abort. Only called by the
// manager, so a plain flag suffices to make it idempotent.
func (h *pendingSessionHandle) disconnect() {
	if !h.cancelled {
		h.cancelled = true
		close(h.cancel)
	}
}

// ActiveSessionHandle is the manager's record of an established session.
type ActiveSessionHandle struct {
	SessionID   SessionID
	PeerID      wire.PeerID
	Direction   Direction
	Version     uint
	Caps        []wire.Cap
	Status      *wire.Status
	ClientID    string
	Established time.Time
	RemoteAddr  net.Addr
	LocalAddr   net.Addr

	commands chan<- sessionCommand
}

// Disconnect asks the session to terminate gracefully. Delivery is
// best-effort and never blocks.
func (h *ActiveSessionHandle) Disconnect(reason wire.DisconnectReason) {
	select {
	case h.commands <- disconnectCommand{reason: reason}:
	default:
	}
}

// sendMessage queues an outbound message. Under a full buffer the message
// is dropped and false returned.
func (h *ActiveSessionHandle) sendMessage(msg wire.Msg) bool {
	select {
	case h.commands <- messageCommand{msg: msg}:
		return true
	default:
		return false
	}
}

// sessionCommand is sent from the manager to an active session.
type sessionCommand interface {
	sessionCommand()
}

type messageCommand struct {
	msg wire.Msg
}

type disconnectCommand struct {
	reason wire.DisconnectReason
}

// announceRangeCommand tells an eth/69 session to re-announce the local
// serving range if it changed.
type announceRangeCommand struct{}

func (messageCommand) sessionCommand()       {}
func (disconnectCommand) sessionCommand()    {}
func (announceRangeCommand) sessionCommand() {}

// pendingSessionEvent is the terminal report of a handshake task. Exactly
// one is produced per connection attempt.
type pendingSessionEvent interface {
	pendingSessionEvent()
}

// pendingEstablished reports a successful handshake with the negotiated
// connection ready to be promoted.
type pendingEstablished struct {
	sessionID  SessionID
	remoteAddr net.Addr
	localAddr  net.Addr
	peerID     wire.PeerID
	caps       []wire.Cap
	status     *wire.Status
	conn       *ethConn
	direction  Direction
	clientID   string
}

// pendingDisconnected reports a failed or cancelled handshake. A nil err
// means local cancellation.
type pendingDisconnected struct {
	sessionID  SessionID
	remoteAddr net.Addr
	direction  Direction
	peerID     wire.PeerID
	err        *HandshakeError
}

// pendingConnectError reports that the outbound TCP connect failed.
type pendingConnectError struct {
	sessionID  SessionID
	remoteAddr net.Addr
	peerID     wire.PeerID
	err        error
}

func (pendingEstablished) pendingSessionEvent()  {}
func (pendingDisconnected) pendingSessionEvent() {}
func (pendingConnectError) pendingSessionEvent() {}

// activeSessionMessage is produced by an active session's pump and
// consumed by the manager with priority over pending-session events.
type activeSessionMessage interface {
	activeSessionMessage()
}

type activeDisconnected struct {
	peerID     wire.PeerID
	remoteAddr net.Addr
}

type activeClosedOnError struct {
	peerID     wire.PeerID
	remoteAddr net.Addr
	err        error
}

type activeValidMessage struct {
	peerID wire.PeerID
	msg    wire.Msg
}

type activeBadMessage struct {
	peerID wire.PeerID
}

type activeProtocolBreach struct {
	peerID wire.PeerID
}

func (activeDisconnected) activeSessionMessage()   {}
func (activeClosedOnError) activeSessionMessage()  {}
func (activeValidMessage) activeSessionMessage()   {}
func (activeBadMessage) activeSessionMessage()     {}
func (activeProtocolBreach) activeSessionMessage() {}
