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
	"net"
	"sync/atomic"
	"time"

	"github.com/halcyon-eth/halcyon/p2p/wire"
)

// SessionID identifies a connection attempt for the process lifetime.
// IDs increase monotonically and are never reused.
type SessionID uint64

// Direction tells which side initiated a connection.
type Direction byte

const (
	DirIncoming Direction = iota
	DirOutgoing
)

func (d Direction) String() string {
	if d == DirIncoming {
		return "incoming"
	}
	return "outgoing"
}

// SessionEvent is the tagged union of everything the manager reports to
// its caller through Next.
type SessionEvent interface {
	sessionEvent()
}

// SessionEstablished reports a fully negotiated session that is now able
// to exchange messages.
type SessionEstablished struct {
	SessionID  SessionID
	PeerID     wire.PeerID
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	ClientID   string
	Version    uint
	Caps       []wire.Cap
	Status     *wire.Status
	Direction  Direction
	// Timeout is the session's adaptive internal request timeout in
	// milliseconds. Consumers may tune it at runtime.
	Timeout *atomicDuration
	// Range follows the block range the peer announces serving. It starts
	// from the status message and tracks later range update messages.
	Range *RangeInfo
}

// AlreadyConnected reports that a handshake completed for a peer that
// already has an active session. The new connection was dropped; the
// existing session is untouched.
type AlreadyConnected struct {
	PeerID     wire.PeerID
	RemoteAddr net.Addr
	Direction  Direction
}

// ValidMessage carries a protocol message received from an active session.
type ValidMessage struct {
	PeerID wire.PeerID
	Msg    wire.Msg
}

// BadMessage reports an undecodable or semantically invalid message from
// an active session.
type BadMessage struct {
	PeerID wire.PeerID
}

// ProtocolBreach reports that an active session's peer violated the
// protocol rules.
type ProtocolBreach struct {
	PeerID wire.PeerID
}

// IncomingPendingSessionClosed reports a failed inbound handshake.
// Err is nil if the attempt was cancelled locally.
type IncomingPendingSessionClosed struct {
	RemoteAddr net.Addr
	Err        *HandshakeError
}

// OutgoingPendingSessionClosed reports a failed outbound handshake.
// Err is nil if the attempt was cancelled locally.
type OutgoingPendingSessionClosed struct {
	RemoteAddr net.Addr
	PeerID     wire.PeerID
	Err        *HandshakeError
}

// OutgoingConnectionError reports that the TCP connection for a dial could
// not be established.
type OutgoingConnectionError struct {
	RemoteAddr net.Addr
	PeerID     wire.PeerID
	Err        error
}

// SessionClosedOnConnectionError reports an active session torn down by a
// connection error.
type SessionClosedOnConnectionError struct {
	PeerID     wire.PeerID
	RemoteAddr net.Addr
	Err        error
}

// Disconnected reports a gracefully closed active session.
type Disconnected struct {
	PeerID     wire.PeerID
	RemoteAddr net.Addr
}

func (SessionEstablished) sessionEvent()             {}
func (AlreadyConnected) sessionEvent()               {}
func (ValidMessage) sessionEvent()                   {}
func (BadMessage) sessionEvent()                     {}
func (ProtocolBreach) sessionEvent()                 {}
func (IncomingPendingSessionClosed) sessionEvent()   {}
func (OutgoingPendingSessionClosed) sessionEvent()   {}
func (OutgoingConnectionError) sessionEvent()        {}
func (SessionClosedOnConnectionError) sessionEvent() {}
func (Disconnected) sessionEvent()                   {}

// handshake failure classes
type handshakeStage byte

const (
	stageAuth handshakeStage = iota
	stageEth
	stageTimeout
	stageCaps
)

// Handshake failure sentinels.
var (
	ErrHandshakeTimeout           = errors.New("handshake timed out")
	ErrUnsupportedExtraCapability = errors.New("mandatory extra capability unsupported")
)

// HandshakeError classifies why a pending session failed, so callers can
// apply different backoff per failure class.
type HandshakeError struct {
	err   error
	stage handshakeStage
}

func authError(err error) *HandshakeError {
	return &HandshakeError{err: err, stage: stageAuth}
}

func ethError(err error) *HandshakeError {
	return &HandshakeError{err: err, stage: stageEth}
}

func timeoutError() *HandshakeError {
	return &HandshakeError{err: ErrHandshakeTimeout, stage: stageTimeout}
}

func unsupportedCapError() *HandshakeError {
	return &HandshakeError{err: ErrUnsupportedExtraCapability, stage: stageCaps}
}

func (e *HandshakeError) Error() string { return e.err.Error() }
func (e *HandshakeError) Unwrap() error { return e.err }

// IsAuth reports whether the cryptographic transport handshake failed.
func (e *HandshakeError) IsAuth() bool { return e.stage == stageAuth }

// IsTimeout reports whether the handshake exceeded its deadline.
func (e *HandshakeError) IsTimeout() bool { return e.stage == stageTimeout }

// IsUnsupportedCapability reports a missing mandatory extra capability.
func (e *HandshakeError) IsUnsupportedCapability() bool { return e.stage == stageCaps }

// AsDisconnect returns the reason if the failure was a peer-sent
// disconnect message.
func (e *HandshakeError) AsDisconnect() (wire.DisconnectReason, bool) {
	var reason wire.DisconnectReason
	if errors.As(e.err, &reason) {
		return reason, true
	}
	return 0, false
}

// atomicDuration is a duration shared between the manager's caller and an
// active session, adjustable at runtime.
type atomicDuration struct {
	millis atomic.Int64
}

func newAtomicDuration(d time.Duration) *atomicDuration {
	a := new(atomicDuration)
	a.Store(d)
	return a
}

func (a *atomicDuration) Store(d time.Duration) {
	a.millis.Store(d.Milliseconds())
}

func (a *atomicDuration) Load() time.Duration {
	return time.Duration(a.millis.Load()) * time.Millisecond
}
