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
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRange is a snapshot of the block range the local node can serve.
type BlockRange struct {
	Earliest   uint64
	Latest     uint64
	LatestHash common.Hash
}

// RangeInfo is the advertised serving range shared between the manager and
// active sessions. The manager replaces the snapshot wholesale; sessions
// read a consistent point-in-time value without locking.
type RangeInfo struct {
	snap atomic.Pointer[BlockRange]
}

func newRangeInfo(earliest, latest uint64, latestHash common.Hash) *RangeInfo {
	info := new(RangeInfo)
	info.Update(earliest, latest, latestHash)
	return info
}

// Update replaces the snapshot.
func (r *RangeInfo) Update(earliest, latest uint64, latestHash common.Hash) {
	r.snap.Store(&BlockRange{Earliest: earliest, Latest: latest, LatestHash: latestHash})
}

// Snapshot returns the current range.
func (r *RangeInfo) Snapshot() BlockRange {
	return *r.snap.Load()
}
