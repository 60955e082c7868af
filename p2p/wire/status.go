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
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Supported versions of the base chain protocol.
const (
	ETH68 = 68
	ETH69 = 69
)

// Message codes of the base chain protocol, relative to its code offset.
const (
	StatusMsg           = 0x00
	BlockRangeUpdateMsg = 0x11
)

// ethProtocolLengths is the size of the message-code space per version.
var ethProtocolLengths = map[uint]uint64{
	ETH68: 17,
	ETH69: 18,
}

// EthProtocols returns protocol descriptors for the given versions of the
// base chain protocol.
func EthProtocols(versions ...uint) []Protocol {
	protos := make([]Protocol, 0, len(versions))
	for _, v := range versions {
		length, ok := ethProtocolLengths[v]
		if !ok {
			panic(fmt.Sprintf("unsupported eth protocol version %d", v))
		}
		protos = append(protos, Protocol{Cap: Cap{Name: EthCapName, Version: v}, Length: length})
	}
	return protos
}

// Status is the unified content of the chain status message across the
// supported protocol versions. TD is only present up to version 68;
// Earliest and Latest describe the served block range from version 69 on.
type Status struct {
	Version   uint
	NetworkID uint64
	TD        *uint256.Int
	Head      common.Hash
	Genesis   common.Hash
	ForkID    ForkID
	Earliest  uint64
	Latest    uint64
}

type statusPacket68 struct {
	Version   uint32
	NetworkID uint64
	TD        *uint256.Int
	Head      common.Hash
	Genesis   common.Hash
	ForkID    ForkID
}

type statusPacket69 struct {
	Version   uint32
	NetworkID uint64
	Genesis   common.Hash
	ForkID    ForkID
	Earliest  uint64
	Latest    uint64
	Head      common.Hash
}

// BlockRangeUpdate announces a change of the block range a peer can serve
// (version 69 and later).
type BlockRangeUpdate struct {
	Earliest   uint64
	Latest     uint64
	LatestHash common.Hash
}

// Chain handshake failures.
var (
	ErrStatusTimeout           = errors.New("status exchange timed out")
	ErrNetworkIDMismatch       = errors.New("network id mismatch")
	ErrGenesisMismatch         = errors.New("genesis mismatch")
	ErrProtocolVersionMismatch = errors.New("eth protocol version mismatch")
	ErrMissingTotalDifficulty  = errors.New("status is missing total difficulty")
)

// NegotiateStatus performs the chain handshake over the eth logical stream:
// both sides send their status message and validate the remote one against
// the local chain identity and fork filter. The version field of local must
// already be set to the negotiated protocol version.
func NegotiateStatus(rw MsgReadWriter, local *Status, filter Filter, timeout time.Duration) (*Status, error) {
	errc := make(chan error, 2)
	remote := new(Status)
	go func() { errc <- sendStatus(rw, local) }()
	go func() { errc <- readStatus(rw, local.Version, remote) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return nil, err
			}
		case <-timer.C:
			return nil, ErrStatusTimeout
		}
	}
	if err := validateStatus(local, remote, filter); err != nil {
		return nil, err
	}
	return remote, nil
}

func sendStatus(w MsgWriter, s *Status) error {
	if s.Version >= ETH69 {
		return Send(w, StatusMsg, &statusPacket69{
			Version:   uint32(s.Version),
			NetworkID: s.NetworkID,
			Genesis:   s.Genesis,
			ForkID:    s.ForkID,
			Earliest:  s.Earliest,
			Latest:    s.Latest,
			Head:      s.Head,
		})
	}
	if s.TD == nil {
		return ErrMissingTotalDifficulty
	}
	return Send(w, StatusMsg, &statusPacket68{
		Version:   uint32(s.Version),
		NetworkID: s.NetworkID,
		TD:        s.TD,
		Head:      s.Head,
		Genesis:   s.Genesis,
		ForkID:    s.ForkID,
	})
}

func readStatus(r MsgReader, version uint, into *Status) error {
	msg, err := r.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Code != StatusMsg {
		return fmt.Errorf("expected status, got message %#x", msg.Code)
	}
	if version >= ETH69 {
		var packet statusPacket69
		if err := msg.Decode(&packet); err != nil {
			return err
		}
		*into = Status{
			Version:   uint(packet.Version),
			NetworkID: packet.NetworkID,
			Genesis:   packet.Genesis,
			ForkID:    packet.ForkID,
			Earliest:  packet.Earliest,
			Latest:    packet.Latest,
			Head:      packet.Head,
		}
		return nil
	}
	var packet statusPacket68
	if err := msg.Decode(&packet); err != nil {
		return err
	}
	*into = Status{
		Version:   uint(packet.Version),
		NetworkID: packet.NetworkID,
		TD:        packet.TD,
		Head:      packet.Head,
		Genesis:   packet.Genesis,
		ForkID:    packet.ForkID,
	}
	return nil
}

func validateStatus(local, remote *Status, filter Filter) error {
	if remote.Version != local.Version {
		return fmt.Errorf("%w: theirs %d, ours %d", ErrProtocolVersionMismatch, remote.Version, local.Version)
	}
	if remote.NetworkID != local.NetworkID {
		return fmt.Errorf("%w: theirs %d, ours %d", ErrNetworkIDMismatch, remote.NetworkID, local.NetworkID)
	}
	if remote.Genesis != local.Genesis {
		return fmt.Errorf("%w: theirs %x, ours %x", ErrGenesisMismatch, remote.Genesis, local.Genesis)
	}
	if local.Version < ETH69 && remote.TD == nil {
		return ErrMissingTotalDifficulty
	}
	if filter != nil {
		if err := filter(remote.ForkID); err != nil {
			return fmt.Errorf("fork id rejected: %w", err)
		}
	}
	return nil
}
