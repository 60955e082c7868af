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

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	// BaseProtocolVersion is the devp2p base protocol version announced in
	// the hello message.
	BaseProtocolVersion = 5

	// BaseProtocolLength is the number of message codes reserved for the
	// base protocol. Sub-protocol code spaces start here.
	BaseProtocolLength = uint64(16)

	baseProtocolMaxMsgSize = 2 * 1024

	// SnappyProtocolVersion is the base protocol version from which frame
	// payloads are snappy-compressed.
	SnappyProtocolVersion = 5

	// EthCapName is the name of the base chain protocol capability.
	EthCapName = "eth"
)

// Base protocol message codes.
const (
	MsgHello      = 0x00
	MsgDisconnect = 0x01
	MsgPing       = 0x02
	MsgPong       = 0x03
)

// PeerID is a peer's cryptographic identity: the 64-byte uncompressed
// secp256k1 public key without the format prefix.
type PeerID [64]byte

// PubkeyToID converts a public key to a peer identity.
func PubkeyToID(pub *ecdsa.PublicKey) PeerID {
	var id PeerID
	copy(id[:], crypto.FromECDSAPub(pub)[1:])
	return id
}

// Pubkey recovers the public key from the identity.
func (id PeerID) Pubkey() (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(append([]byte{0x04}, id[:]...))
}

// String implements fmt.Stringer, printing an abbreviated identity.
func (id PeerID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// Hello is the base protocol handshake message, declaring the protocol
// version, client identity and the supported capabilities.
type Hello struct {
	Version    uint64
	ClientID   string
	Caps       []Cap
	ListenPort uint64
	ID         PeerID

	// Ignore additional fields (forward compatibility).
	Rest []rlp.RawValue `rlp:"tail"`
}

// HasCap reports whether the hello announces a capability with the name.
func (h *Hello) HasCap(name string) bool {
	for _, cap := range h.Caps {
		if cap.Name == name {
			return true
		}
	}
	return false
}

// TryAddCap adds a capability to the announced list unless a capability
// with the same name is already present.
func (h *Hello) TryAddCap(cap Cap) error {
	if h.HasCap(cap.Name) {
		return fmt.Errorf("capability %q already announced", cap.Name)
	}
	h.Caps = append(h.Caps, cap)
	return nil
}

var errHelloTooLarge = errors.New("hello message too large")

// NegotiateHello performs the capability handshake: both sides send their
// hello message and read the remote one. If the remote replies with a
// disconnect message instead, the carried reason is returned as the error.
func NegotiateHello(rw MsgReadWriter, local *Hello) (*Hello, error) {
	werr := make(chan error, 1)
	go func() { werr <- Send(rw, MsgHello, local) }()
	remote, err := readHello(rw)
	if err != nil {
		return nil, err
	}
	if err := <-werr; err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}
	return remote, nil
}

func readHello(rw MsgReader) (*Hello, error) {
	msg, err := rw.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Code == MsgDisconnect {
		// Disconnecting instead of answering the hello is a common way of
		// saying "too many peers".
		return nil, DecodeDisconnect(msg.Payload)
	}
	if msg.Code != MsgHello {
		return nil, fmt.Errorf("expected hello, got message %#x", msg.Code)
	}
	if len(msg.Payload) > baseProtocolMaxMsgSize {
		return nil, errHelloTooLarge
	}
	var hello Hello
	if err := msg.Decode(&hello); err != nil {
		return nil, err
	}
	if hello.ID == (PeerID{}) {
		return nil, DiscInvalidIdentity
	}
	return &hello, nil
}
