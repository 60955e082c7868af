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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-eth/halcyon/p2p/wire"
)

type activeFixture struct {
	session *activeSession
	remote  *wire.MsgPipeRW
	cmds    chan sessionCommand
	events  chan activeSessionMessage
}

func startActiveSession(t *testing.T, version uint) *activeFixture {
	t.Helper()
	local, remote := wire.MsgPipe()
	t.Cleanup(func() { local.Close() })

	protos := wire.EthProtocols(version)
	shared := wire.NegotiateCaps(protos, []wire.Cap{protos[0].Cap})
	pc := &pipeConn{MsgPipeRW: local, remote: testPeerID(1)}
	conn := newEthConn(pc, shared, nil, DirOutgoing, testPeerID(1))

	f := &activeFixture{
		remote: remote,
		cmds:   make(chan sessionCommand, 4),
		events: make(chan activeSessionMessage, 8),
	}
	f.session = &activeSession{
		id:                     1,
		peerID:                 testPeerID(1),
		direction:              DirOutgoing,
		remoteAddr:             testAddr,
		version:                version,
		conn:                   conn,
		commands:               f.cmds,
		toManager:              f.events,
		internalRequestTimeout: newAtomicDuration(time.Second),
		breachTimeout:          time.Minute,
		remoteRange:            newRangeInfo(0, 0, common.Hash{}),
		localRange:             newRangeInfo(0, 0, common.Hash{}),
		log:                    log.New(),
	}
	go f.session.run()
	return f
}

func (f *activeFixture) next(t *testing.T) activeSessionMessage {
	t.Helper()
	select {
	case msg := <-f.events:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no session message")
		return nil
	}
}

func TestActiveSessionValidMessage(t *testing.T) {
	f := startActiveSession(t, wire.ETH68)

	require.NoError(t, f.remote.WriteMsg(wire.Msg{Code: 16 + 5}))
	msg, ok := f.next(t).(activeValidMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(5), msg.msg.Code)
	assert.Equal(t, testPeerID(1), msg.peerID)
}

func TestActiveSessionDisconnectCommand(t *testing.T) {
	f := startActiveSession(t, wire.ETH68)
	go drainUntilDisconnect(f.remote)

	f.cmds <- disconnectCommand{reason: wire.DiscRequested}
	_, ok := f.next(t).(activeDisconnected)
	require.True(t, ok)
}

func TestActiveSessionRemoteDisconnect(t *testing.T) {
	f := startActiveSession(t, wire.ETH68)

	require.NoError(t, wire.Send(f.remote, wire.MsgDisconnect, []interface{}{uint(wire.DiscQuitting)}))
	_, ok := f.next(t).(activeDisconnected)
	require.True(t, ok)
}

func TestActiveSessionSecondStatusIsBreach(t *testing.T) {
	f := startActiveSession(t, wire.ETH68)
	go drainUntilDisconnect(f.remote)

	// Status is only valid during the handshake.
	require.NoError(t, f.remote.WriteMsg(wire.Msg{Code: 16 + wire.StatusMsg}))
	_, ok := f.next(t).(activeProtocolBreach)
	require.True(t, ok)
	_, ok = f.next(t).(activeDisconnected)
	require.True(t, ok)
}

func TestActiveSessionBlockRangeUpdate(t *testing.T) {
	f := startActiveSession(t, wire.ETH69)

	upd := wire.BlockRangeUpdate{Earliest: 10, Latest: 42, LatestHash: common.HexToHash("0x2a")}
	eth := offsetRW{rw: f.remote, offset: wire.BaseProtocolLength}
	require.NoError(t, wire.Send(eth, wire.BlockRangeUpdateMsg, &upd))

	// The update is absorbed by the session; observe it through the range.
	require.Eventually(t, func() bool {
		return f.session.remoteRange.Snapshot().Latest == 42
	}, time.Second, 10*time.Millisecond)
	snap := f.session.remoteRange.Snapshot()
	assert.Equal(t, uint64(10), snap.Earliest)
	assert.Equal(t, common.HexToHash("0x2a"), snap.LatestHash)
}

func TestActiveSessionBadRangeUpdate(t *testing.T) {
	f := startActiveSession(t, wire.ETH69)

	// Earliest beyond latest is nonsense.
	upd := wire.BlockRangeUpdate{Earliest: 50, Latest: 42}
	eth := offsetRW{rw: f.remote, offset: wire.BaseProtocolLength}
	require.NoError(t, wire.Send(eth, wire.BlockRangeUpdateMsg, &upd))

	_, ok := f.next(t).(activeBadMessage)
	require.True(t, ok)
}

func TestActiveSessionAnnouncesRange(t *testing.T) {
	f := startActiveSession(t, wire.ETH69)

	f.session.localRange.Update(7, 77, common.HexToHash("0x4d"))
	f.cmds <- announceRangeCommand{}

	eth := offsetRW{rw: f.remote, offset: wire.BaseProtocolLength}
	msg, err := eth.ReadMsg()
	require.NoError(t, err)
	require.Equal(t, uint64(wire.BlockRangeUpdateMsg), msg.Code)
	var upd wire.BlockRangeUpdate
	require.NoError(t, msg.Decode(&upd))
	assert.Equal(t, uint64(7), upd.Earliest)
	assert.Equal(t, uint64(77), upd.Latest)

	// Unchanged range is not re-announced; a later real change is.
	f.cmds <- announceRangeCommand{}
	f.session.localRange.Update(8, 78, common.HexToHash("0x4e"))
	f.cmds <- announceRangeCommand{}
	msg, err = eth.ReadMsg()
	require.NoError(t, err)
	require.NoError(t, msg.Decode(&upd))
	assert.Equal(t, uint64(78), upd.Latest)
}

func TestActiveSessionWriteCommand(t *testing.T) {
	f := startActiveSession(t, wire.ETH68)

	out, err := wire.NewMsg(0x07, []string{"payload"})
	require.NoError(t, err)
	f.cmds <- messageCommand{msg: out}

	msg, err := f.remote.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, uint64(16+0x07), msg.Code)
}

func TestRangeInfoSnapshot(t *testing.T) {
	info := newRangeInfo(1, 2, common.HexToHash("0x02"))
	snap := info.Snapshot()
	assert.Equal(t, uint64(1), snap.Earliest)

	info.Update(5, 9, common.HexToHash("0x09"))
	snap = info.Snapshot()
	assert.Equal(t, uint64(5), snap.Earliest)
	assert.Equal(t, uint64(9), snap.Latest)
}

func TestAtomicDuration(t *testing.T) {
	d := newAtomicDuration(20 * time.Second)
	assert.Equal(t, 20*time.Second, d.Load())
	d.Store(time.Second)
	assert.Equal(t, time.Second, d.Load())
}
