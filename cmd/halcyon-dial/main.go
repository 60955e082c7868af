// Copyright 2025 The halcyon Authors
// This file is part of halcyon.
//
// halcyon is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// halcyon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with halcyon. If not, see <http://www.gnu.org/licenses/>.

// halcyon-dial is a diagnostic tool: it dials a single peer, runs the full
// handshake and prints the session events it observes.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/halcyon-eth/halcyon/p2p/session"
	"github.com/halcyon-eth/halcyon/p2p/transport"
	"github.com/halcyon-eth/halcyon/p2p/wire"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML chain configuration file",
	}
	nodekeyFlag = &cli.StringFlag{
		Name:  "nodekey",
		Usage: "hex encoded node key file (generated if missing)",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "how long to keep the session open",
		Value: 30 * time.Second,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0-5)",
		Value: 3,
	}
)

// chainConfig is the TOML-loadable chain identity used for the status
// handshake.
type chainConfig struct {
	NetworkID uint64
	Genesis   string
	Head      string
	HeadBlock uint64
	TD        uint64
	Forks     []uint64
	ClientID  string
}

var defaultChain = chainConfig{
	NetworkID: 1,
	Genesis:   "0xd4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3",
	ClientID:  "halcyon-dial/v0.1.0",
}

func main() {
	app := &cli.App{
		Name:      "halcyon-dial",
		Usage:     "dial a devp2p peer and print session events",
		ArgsUsage: "<pubkey>@<host>:<port>",
		Flags:     []cli.Flag{configFlag, nodekeyFlag, timeoutFlag, verbosityFlag},
		Action:    dial,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func dial(ctx *cli.Context) error {
	glogger := log.NewGlogHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(false)))
	glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
	log.Root().SetHandler(glogger)

	if ctx.NArg() != 1 {
		return fmt.Errorf("need exactly one peer target, see --help")
	}
	peer, addr, err := parseTarget(ctx.Args().First())
	if err != nil {
		return err
	}

	cfg := defaultChain
	if file := ctx.String(configFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return err
		}
	}
	key, err := loadOrGenerateKey(ctx.String(nodekeyFlag.Name))
	if err != nil {
		return err
	}

	schedule := wire.ForkSchedule{Genesis: common.HexToHash(cfg.Genesis), Forks: cfg.Forks}
	head := cfg.HeadBlock
	node := session.Node{
		Transport: transport.NewRLPx(key),
		ID:        wire.PubkeyToID(&key.PublicKey),
		ClientID:  cfg.ClientID,
		Protocols: wire.EthProtocols(wire.ETH68, wire.ETH69),
		Chain: func() wire.Status {
			return wire.Status{
				NetworkID: cfg.NetworkID,
				TD:        uint256.NewInt(cfg.TD),
				Head:      common.HexToHash(cfg.Head),
				Genesis:   common.HexToHash(cfg.Genesis),
				ForkID:    schedule.ID(head),
			}
		},
		ForkFilter: schedule.Filter(func() uint64 { return head }),
	}
	manager := session.NewManager(node, session.DefaultConfig)

	if _, err := manager.Dial(addr, peer); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration(timeoutFlag.Name))
	defer cancel()
	for {
		ev, err := manager.Next(runCtx)
		if err != nil {
			manager.DisconnectAll(wire.DiscQuitting)
			return nil
		}
		switch ev := ev.(type) {
		case session.SessionEstablished:
			fmt.Printf("established: peer=%s client=%q eth/%d caps=%v\n",
				ev.PeerID, ev.ClientID, ev.Version, ev.Caps)
		case session.ValidMessage:
			fmt.Printf("message: peer=%s code=%#x size=%d\n", ev.PeerID, ev.Msg.Code, len(ev.Msg.Payload))
		case session.OutgoingPendingSessionClosed:
			if ev.Err != nil {
				return fmt.Errorf("handshake failed: %w", ev.Err)
			}
			return nil
		case session.OutgoingConnectionError:
			return fmt.Errorf("connect failed: %w", ev.Err)
		case session.Disconnected:
			fmt.Printf("disconnected: peer=%s\n", ev.PeerID)
			return nil
		case session.SessionClosedOnConnectionError:
			return fmt.Errorf("session closed: %w", ev.Err)
		default:
			fmt.Printf("event: %T\n", ev)
		}
	}
}

// parseTarget splits a "<pubkey>@<host>:<port>" peer target.
func parseTarget(target string) (wire.PeerID, *net.TCPAddr, error) {
	parts := strings.SplitN(target, "@", 2)
	if len(parts) != 2 {
		return wire.PeerID{}, nil, fmt.Errorf("invalid target %q, want <pubkey>@<host>:<port>", target)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(parts[0], "0x"))
	if err != nil || len(raw) != 64 {
		return wire.PeerID{}, nil, fmt.Errorf("invalid peer pubkey in %q", target)
	}
	var id wire.PeerID
	copy(id[:], raw)
	addr, err := net.ResolveTCPAddr("tcp", parts[1])
	if err != nil {
		return wire.PeerID{}, nil, err
	}
	return id, addr, nil
}

func loadConfig(file string, cfg *chainConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return nil
}

func loadOrGenerateKey(file string) (*ecdsa.PrivateKey, error) {
	if file == "" {
		return crypto.GenerateKey()
	}
	if _, err := os.Stat(file); os.IsNotExist(err) {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveECDSA(file, key); err != nil {
			return nil, err
		}
		return key, nil
	}
	return crypto.LoadECDSA(file)
}
