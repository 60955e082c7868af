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
	"errors"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/halcyon-eth/halcyon/p2p/wire"
)

const (
	pingInterval    = 15 * time.Second
	disconnectGrace = 2 * time.Second
)

// activeSession is the pump of one established session. It owns the
// connection: it relays commands from the manager, classifies inbound
// messages and reports the session's fate exactly once.
type activeSession struct {
	id         SessionID
	peerID     wire.PeerID
	direction  Direction
	remoteAddr net.Addr
	version    uint

	conn      *ethConn
	commands  <-chan sessionCommand
	toManager chan<- activeSessionMessage

	// internalRequestTimeout is shared with the manager's caller and may
	// be tuned while the session runs.
	internalRequestTimeout *atomicDuration
	// breachTimeout is how long the peer may stay completely silent.
	breachTimeout time.Duration

	// remoteRange tracks the block range the peer announced, updated by
	// range update messages.
	remoteRange *RangeInfo
	// localRange is the locally advertised range; announced is what the
	// peer last heard about it.
	localRange *RangeInfo
	announced  BlockRange

	log log.Logger
}

func (s *activeSession) run() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-s.conn.messages():
			if terminal := s.handleMessage(msg); terminal {
				return
			}

		case <-s.conn.closedCh():
			s.reportClosed(s.conn.closeErr())
			return

		case cmd := <-s.commands:
			switch c := cmd.(type) {
			case messageCommand:
				if err := s.conn.WriteMsg(c.msg); err != nil {
					s.log.Debug("write failed", "peer", s.peerID, "err", err)
					s.conn.close(err)
					s.toManager <- activeClosedOnError{peerID: s.peerID, remoteAddr: s.remoteAddr, err: err}
					return
				}
			case disconnectCommand:
				s.disconnect(c.reason)
				s.toManager <- activeDisconnected{peerID: s.peerID, remoteAddr: s.remoteAddr}
				return
			case announceRangeCommand:
				if terminal := s.announceRange(); terminal {
					return
				}
			}

		case <-ping.C:
			if s.conn.idle() > s.breachTimeout {
				s.log.Warn("peer unresponsive", "peer", s.peerID, "idle", s.conn.idle())
				s.toManager <- activeProtocolBreach{peerID: s.peerID}
				s.disconnect(wire.DiscProtocolError)
				s.toManager <- activeDisconnected{peerID: s.peerID, remoteAddr: s.remoteAddr}
				return
			}
			if err := s.conn.ping(); err != nil {
				s.conn.close(err)
				s.toManager <- activeClosedOnError{peerID: s.peerID, remoteAddr: s.remoteAddr, err: err}
				return
			}
		}
	}
}

// handleMessage classifies one inbound protocol message. It returns true
// when the message terminated the session.
func (s *activeSession) handleMessage(msg wire.Msg) bool {
	switch msg.Code {
	case wire.StatusMsg:
		// A second status message is a protocol violation.
		s.toManager <- activeProtocolBreach{peerID: s.peerID}
		s.disconnect(wire.DiscProtocolError)
		s.toManager <- activeDisconnected{peerID: s.peerID, remoteAddr: s.remoteAddr}
		return true

	case wire.BlockRangeUpdateMsg:
		if s.version < wire.ETH69 {
			s.toManager <- activeBadMessage{peerID: s.peerID}
			return false
		}
		var upd wire.BlockRangeUpdate
		if err := msg.Decode(&upd); err != nil || upd.Earliest > upd.Latest {
			s.log.Debug("invalid block range update", "peer", s.peerID, "err", err)
			s.toManager <- activeBadMessage{peerID: s.peerID}
			return false
		}
		s.remoteRange.Update(upd.Earliest, upd.Latest, upd.LatestHash)
		return false

	default:
		s.toManager <- activeValidMessage{peerID: s.peerID, msg: msg}
		return false
	}
}

// announceRange pushes the local serving range to an eth/69 peer if it
// changed since the last announcement. It returns true when the write
// killed the session.
func (s *activeSession) announceRange() bool {
	if s.version < wire.ETH69 || s.localRange == nil {
		return false
	}
	r := s.localRange.Snapshot()
	if r == s.announced {
		return false
	}
	upd := wire.BlockRangeUpdate{Earliest: r.Earliest, Latest: r.Latest, LatestHash: r.LatestHash}
	if err := wire.Send(s.conn, wire.BlockRangeUpdateMsg, &upd); err != nil {
		s.conn.close(err)
		s.toManager <- activeClosedOnError{peerID: s.peerID, remoteAddr: s.remoteAddr, err: err}
		return true
	}
	s.announced = r
	return false
}

// reportClosed translates the connection's close cause into the terminal
// session message.
func (s *activeSession) reportClosed(err error) {
	var reason wire.DisconnectReason
	switch {
	case errors.As(err, &reason):
		// The remote said goodbye properly.
		s.toManager <- activeDisconnected{peerID: s.peerID, remoteAddr: s.remoteAddr}
	case errors.Is(err, errInvalidMsgCode):
		s.toManager <- activeProtocolBreach{peerID: s.peerID}
		s.toManager <- activeDisconnected{peerID: s.peerID, remoteAddr: s.remoteAddr}
	case errors.Is(err, errConnClosed):
		s.toManager <- activeDisconnected{peerID: s.peerID, remoteAddr: s.remoteAddr}
	default:
		s.toManager <- activeClosedOnError{peerID: s.peerID, remoteAddr: s.remoteAddr, err: err}
	}
}

// disconnect says goodbye to the remote, waiting out a short grace period
// so the frame can flush and the remote can hang up first.
func (s *activeSession) disconnect(reason wire.DisconnectReason) {
	s.conn.sendDisconnect(reason)
	select {
	case <-s.conn.closedCh():
	case <-time.After(disconnectGrace):
	}
	s.conn.close(errConnClosed)
}
