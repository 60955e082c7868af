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

import "time"

// Limits bounds the number of concurrent sessions per direction, counting
// both in-flight handshakes and established sessions. A zero value means
// unlimited.
type Limits struct {
	MaxInbound  int
	MaxOutbound int
}

// Config holds the tunables of the session manager.
type Config struct {
	Limits Limits

	// PendingSessionTimeout bounds the whole handshake of one connection
	// attempt, from spawn to the terminal event.
	PendingSessionTimeout time.Duration

	// InitialInternalRequestTimeout is the starting per-request timeout
	// handed to newly established sessions.
	InitialInternalRequestTimeout time.Duration

	// ProtocolBreachRequestTimeout is how long an active session tolerates
	// a completely unresponsive peer before declaring a protocol breach.
	ProtocolBreachRequestTimeout time.Duration

	// SessionCommandBuffer is the command channel capacity per active
	// session. Sends beyond it are dropped, not queued.
	SessionCommandBuffer int

	// SessionEventBuffer is the capacity of the two internal event
	// channels feeding the manager.
	SessionEventBuffer int
}

// DefaultConfig are the session manager defaults.
var DefaultConfig = Config{
	Limits: Limits{
		MaxInbound:  30,
		MaxOutbound: 100,
	},
	PendingSessionTimeout:         20 * time.Second,
	InitialInternalRequestTimeout: 20 * time.Second,
	ProtocolBreachRequestTimeout:  2 * time.Minute,
	SessionCommandBuffer:          32,
	SessionEventBuffer:            260,
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	if c.PendingSessionTimeout == 0 {
		c.PendingSessionTimeout = DefaultConfig.PendingSessionTimeout
	}
	if c.InitialInternalRequestTimeout == 0 {
		c.InitialInternalRequestTimeout = DefaultConfig.InitialInternalRequestTimeout
	}
	if c.ProtocolBreachRequestTimeout == 0 {
		c.ProtocolBreachRequestTimeout = DefaultConfig.ProtocolBreachRequestTimeout
	}
	if c.SessionCommandBuffer == 0 {
		c.SessionCommandBuffer = DefaultConfig.SessionCommandBuffer
	}
	if c.SessionEventBuffer == 0 {
		c.SessionEventBuffer = DefaultConfig.SessionEventBuffer
	}
	return c
}
