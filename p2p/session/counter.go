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

import "fmt"

// SessionLimitError is returned when a connection attempt is rejected
// because a configured session limit has been reached. Its value is the
// limit that was hit.
type SessionLimitError int

func (e SessionLimitError) Error() string {
	return fmt.Sprintf("session limit reached (%d)", int(e))
}

// sessionCounter tracks pending and active sessions per direction against
// the configured limits. It is owned by the manager and mutated in
// lock-step with the session tables; admission checks never block. The
// invariant is pending+active per direction never exceeding the limit,
// checked before any handshake task is spawned.
type sessionCounter struct {
	limits     Limits
	pendingIn  int
	pendingOut int
	activeIn   int
	activeOut  int
}

func newSessionCounter(limits Limits) *sessionCounter {
	return &sessionCounter{limits: limits}
}

// ensurePendingInbound checks whether another inbound attempt is admitted.
func (c *sessionCounter) ensurePendingInbound() error {
	return ensure(c.pendingIn+c.activeIn, c.limits.MaxInbound)
}

// ensurePendingOutbound checks whether another dial is admitted.
func (c *sessionCounter) ensurePendingOutbound() error {
	return ensure(c.pendingOut+c.activeOut, c.limits.MaxOutbound)
}

func ensure(current, limit int) error {
	if limit != 0 && current >= limit {
		return SessionLimitError(limit)
	}
	return nil
}

func (c *sessionCounter) incPending(dir Direction) {
	if dir == DirIncoming {
		c.pendingIn++
	} else {
		c.pendingOut++
	}
}

func (c *sessionCounter) decPending(dir Direction) {
	if dir == DirIncoming {
		c.pendingIn--
	} else {
		c.pendingOut--
	}
}

func (c *sessionCounter) incActive(dir Direction) {
	if dir == DirIncoming {
		c.activeIn++
	} else {
		c.activeOut++
	}
}

func (c *sessionCounter) decActive(dir Direction) {
	if dir == DirIncoming {
		c.activeIn--
	} else {
		c.activeOut--
	}
}

// pending returns the pending count for the direction.
func (c *sessionCounter) pending(dir Direction) int {
	if dir == DirIncoming {
		return c.pendingIn
	}
	return c.pendingOut
}

// active returns the active count for the direction.
func (c *sessionCounter) active(dir Direction) int {
	if dir == DirIncoming {
		return c.activeIn
	}
	return c.activeOut
}
