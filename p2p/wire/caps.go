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
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Cap is the structure of a peer capability: a named sub-protocol at a
// specific version.
type Cap struct {
	Name    string
	Version uint
}

func (cap Cap) String() string {
	return fmt.Sprintf("%s/%d", cap.Name, cap.Version)
}

type capsByNameAndVersion []Cap

func (cs capsByNameAndVersion) Len() int      { return len(cs) }
func (cs capsByNameAndVersion) Swap(i, j int) { cs[i], cs[j] = cs[j], cs[i] }
func (cs capsByNameAndVersion) Less(i, j int) bool {
	return cs[i].Name < cs[j].Name || (cs[i].Name == cs[j].Name && cs[i].Version < cs[j].Version)
}

// SortCaps orders capabilities by name, then version, the canonical order
// for the hello announcement.
func SortCaps(caps []Cap) {
	sort.Sort(capsByNameAndVersion(caps))
}

// Protocol describes a locally supported sub-protocol: its capability
// announced in the hello message and the size of its message-code space,
// which determines frame code offsets on a shared connection.
type Protocol struct {
	Cap
	Length uint64
}

// SharedCap is a capability supported by both ends of a connection, bound
// to the message-code offset assigned to it.
type SharedCap struct {
	Protocol
	Offset uint64
}

// SharedCaps is the outcome of capability negotiation: the matched
// sub-protocols ordered alphabetically with their assigned code offsets.
type SharedCaps struct {
	caps []SharedCap
}

// ErrNoSharedEth means capability negotiation found no common version of
// the base chain protocol.
var ErrNoSharedEth = errors.New("no shared eth capability")

// NegotiateCaps matches the local protocols against the capabilities the
// remote announced. For every protocol name both sides support, the highest
// common version wins. Message-code offsets are assigned in alphabetical
// order of the matched names, starting after the base protocol space.
func NegotiateCaps(local []Protocol, remote []Cap) SharedCaps {
	remoteSet := mapset.NewThreadUnsafeSet[Cap]()
	for _, cap := range remote {
		remoteSet.Add(cap)
	}

	best := make(map[string]Protocol)
	for _, proto := range local {
		if !remoteSet.Contains(proto.Cap) {
			continue
		}
		if prev, ok := best[proto.Name]; !ok || proto.Version > prev.Version {
			best[proto.Name] = proto
		}
	}

	matched := make([]Protocol, 0, len(best))
	for _, proto := range best {
		matched = append(matched, proto)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	offset := BaseProtocolLength
	shared := make([]SharedCap, 0, len(matched))
	for _, proto := range matched {
		shared = append(shared, SharedCap{Protocol: proto, Offset: offset})
		offset += proto.Length
	}
	return SharedCaps{caps: shared}
}

// Len returns the number of shared capabilities.
func (s SharedCaps) Len() int {
	return len(s.caps)
}

// List returns the shared capabilities in offset order.
func (s SharedCaps) List() []SharedCap {
	return s.caps
}

// Find returns the shared capability with the given name.
func (s SharedCaps) Find(name string) (SharedCap, bool) {
	for _, cap := range s.caps {
		if cap.Name == name {
			return cap, true
		}
	}
	return SharedCap{}, false
}

// Contains reports whether the exact capability was negotiated.
func (s SharedCaps) Contains(cap Cap) bool {
	shared, ok := s.Find(cap.Name)
	return ok && shared.Version == cap.Version
}

// EthVersion returns the negotiated version of the base chain protocol.
func (s SharedCaps) EthVersion() (uint, error) {
	shared, ok := s.Find(EthCapName)
	if !ok {
		return 0, ErrNoSharedEth
	}
	return shared.Version, nil
}
