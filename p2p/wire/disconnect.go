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

import "fmt"

// DisconnectReason is the reason code carried by a disconnect message.
// It doubles as an error value so handshake and session failures caused by
// a peer-sent disconnect can be surfaced directly.
type DisconnectReason uint8

const (
	DiscRequested DisconnectReason = iota
	DiscNetworkError
	DiscProtocolError
	DiscUselessPeer
	DiscTooManyPeers
	DiscAlreadyConnected
	DiscIncompatibleVersion
	DiscInvalidIdentity
	DiscQuitting
	DiscUnexpectedIdentity
	DiscSelf
	DiscReadTimeout
	DiscSubprotocolError = DisconnectReason(0x10)
)

var discReasonToString = [...]string{
	DiscRequested:           "disconnect requested",
	DiscNetworkError:        "network error",
	DiscProtocolError:       "breach of protocol",
	DiscUselessPeer:         "useless peer",
	DiscTooManyPeers:        "too many peers",
	DiscAlreadyConnected:    "already connected",
	DiscIncompatibleVersion: "incompatible p2p protocol version",
	DiscInvalidIdentity:     "invalid node identity",
	DiscQuitting:            "client quitting",
	DiscUnexpectedIdentity:  "unexpected identity",
	DiscSelf:                "connected to self",
	DiscReadTimeout:         "read timeout",
	DiscSubprotocolError:    "subprotocol error",
}

func (d DisconnectReason) String() string {
	if int(d) >= len(discReasonToString) || discReasonToString[d] == "" {
		return fmt.Sprintf("unknown disconnect reason %d", uint8(d))
	}
	return discReasonToString[d]
}

func (d DisconnectReason) Error() string {
	return d.String()
}

// DecodeDisconnect extracts the reason from a disconnect message payload.
// Both the canonical list encoding and a bare integer are accepted; some
// implementations send the latter.
func DecodeDisconnect(payload []byte) DisconnectReason {
	var list struct{ Reason DisconnectReason }
	if err := (Msg{Code: MsgDisconnect, Payload: payload}).Decode(&list); err == nil {
		return list.Reason
	}
	var plain DisconnectReason
	if err := (Msg{Code: MsgDisconnect, Payload: payload}).Decode(&plain); err == nil {
		return plain
	}
	return DiscRequested
}
