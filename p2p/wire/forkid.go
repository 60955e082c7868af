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

// EIP-2124 fork identifiers: a compact digest of a chain's protocol-upgrade
// history, exchanged during the status handshake to detect peers on
// incompatible network rules.

package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrRemoteStale is returned by the fork filter if a remote fork
	// checksum is a subset of our already applied forks, but the
	// announced next fork block is not on our already passed chain.
	ErrRemoteStale = errors.New("remote needs update")

	// ErrLocalIncompatibleOrStale is returned by the fork filter if a
	// remote fork checksum does not match any local checksum variation,
	// signalling that the two chains have diverged in the past at some
	// point (possibly at genesis).
	ErrLocalIncompatibleOrStale = errors.New("local incompatible or needs update")
)

// ForkID is the fork identifier announced in the status handshake.
type ForkID struct {
	Hash [4]byte // CRC-32 checksum of the genesis block and passed fork block numbers
	Next uint64  // Block number of the next upcoming fork, or 0 if none known
}

// Filter validates a remotely announced ForkID against the local fork
// schedule and chain head.
type Filter func(id ForkID) error

// ForkSchedule is the locally known protocol-upgrade history: the genesis
// hash and the sorted block numbers at which forks activate.
type ForkSchedule struct {
	Genesis common.Hash
	Forks   []uint64
}

// ID computes the fork identifier for the given chain head.
func (fs ForkSchedule) ID(head uint64) ForkID {
	hash := crc32.ChecksumIEEE(fs.Genesis[:])
	for _, fork := range fs.Forks {
		if fork > head {
			return ForkID{Hash: checksumToBytes(hash), Next: fork}
		}
		hash = checksumUpdate(hash, fork)
	}
	return ForkID{Hash: checksumToBytes(hash), Next: 0}
}

// Filter creates a validation filter that checks remote fork identifiers
// against the schedule, evaluated at the head reported by headfn. The rules
// follow EIP-2124.
func (fs ForkSchedule) Filter(headfn func() uint64) Filter {
	// Precompute the checksum after each fork point, plus a sentinel so
	// the head comparison below always terminates.
	var (
		forks = append([]uint64{}, fs.Forks...)
		sums  = make([][4]byte, len(fs.Forks)+1)
	)
	hash := crc32.ChecksumIEEE(fs.Genesis[:])
	sums[0] = checksumToBytes(hash)
	for i, fork := range fs.Forks {
		hash = checksumUpdate(hash, fork)
		sums[i+1] = checksumToBytes(hash)
	}
	forks = append(forks, math.MaxUint64)

	return func(id ForkID) error {
		head := headfn()
		for i, fork := range forks {
			// Skip forks already passed locally; the sentinel guarantees
			// the loop settles on a first unpassed fork.
			if head >= fork {
				continue
			}
			// Found the first unpassed fork block. If the remote checksum
			// matches our current state, the remote may only announce a
			// next fork we haven't passed yet (rules #1a/#1b).
			if sums[i] == id.Hash {
				if id.Next > 0 && head >= id.Next {
					return ErrLocalIncompatibleOrStale
				}
				return nil
			}
			// Different fork states. A remote checksum matching one of our
			// past states means the remote is behind: it must announce the
			// fork it is missing as its next fork (rule #2).
			for j := 0; j < i; j++ {
				if sums[j] == id.Hash {
					if forks[j] != id.Next {
						return ErrRemoteStale
					}
					return nil
				}
			}
			// A remote checksum matching one of our future states means we
			// are the ones out of sync; accept (rule #3).
			for j := i; j < len(sums); j++ {
				if sums[j] == id.Hash {
					return nil
				}
			}
			// No exact, subset or superset match: diverged chains.
			return ErrLocalIncompatibleOrStale
		}
		return nil
	}
}

// checksumUpdate folds the next fork block number into the running CRC.
func checksumUpdate(hash uint32, fork uint64) uint32 {
	var blob [8]byte
	binary.BigEndian.PutUint64(blob[:], fork)
	return crc32.Update(hash, crc32.IEEETable, blob[:])
}

func checksumToBytes(hash uint32) [4]byte {
	var blob [4]byte
	binary.BigEndian.PutUint32(blob[:], hash)
	return blob
}
