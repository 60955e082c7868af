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

import "github.com/ethereum/go-ethereum/metrics"

var (
	pendingInboundGauge  = metrics.NewRegisteredGauge("p2p/session/pending/inbound", nil)
	pendingOutboundGauge = metrics.NewRegisteredGauge("p2p/session/pending/outbound", nil)
	activeInboundGauge   = metrics.NewRegisteredGauge("p2p/session/active/inbound", nil)
	activeOutboundGauge  = metrics.NewRegisteredGauge("p2p/session/active/outbound", nil)

	establishedMeter      = metrics.NewRegisteredMeter("p2p/session/established", nil)
	handshakeFailureMeter = metrics.NewRegisteredMeter("p2p/session/handshake/failure", nil)
	handshakeTimeoutMeter = metrics.NewRegisteredMeter("p2p/session/handshake/timeout", nil)
	dialFailureMeter      = metrics.NewRegisteredMeter("p2p/session/dial/failure", nil)
	rejectedMeter         = metrics.NewRegisteredMeter("p2p/session/rejected", nil)
	alreadyConnectedMeter = metrics.NewRegisteredMeter("p2p/session/alreadyconnected", nil)
	disconnectMeter       = metrics.NewRegisteredMeter("p2p/session/disconnect", nil)

	droppedMessagesCounter = metrics.NewRegisteredCounter("p2p/session/dropped/messages", nil)
	droppedCommandsCounter = metrics.NewRegisteredCounter("p2p/session/dropped/commands", nil)
)
