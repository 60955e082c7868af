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

import "github.com/halcyon-eth/halcyon/p2p/wire"

// OnUnsupported is a handler's policy when the remote does not support
// its capability.
type OnUnsupported byte

const (
	// KeepSession drops the handler for this connection and carries on.
	KeepSession OnUnsupported = iota
	// DisconnectSession fails the whole handshake: the capability is
	// mandatory.
	DisconnectSession
)

// ProtocolHandler is an additional sub-protocol negotiated alongside the
// base chain protocol. Handlers are registered with the manager; each
// connection attempt announces their capabilities in the hello message and
// installs the surviving handlers on the multiplexed connection.
type ProtocolHandler interface {
	// Protocol describes the handler's capability and message-code space.
	Protocol() wire.Protocol

	// OnUnsupportedByPeer is invoked when the remote did not announce a
	// matching capability and decides whether the session may continue
	// without this handler.
	OnUnsupportedByPeer(shared wire.SharedCaps, dir Direction, peer wire.PeerID) OnUnsupported

	// Connect installs the handler on its logical sub-connection. It is
	// called once per surviving connection, before the chain handshake
	// completes; long-running work must be spawned, not done inline.
	Connect(dir Direction, peer wire.PeerID, rw wire.MsgReadWriter)
}
