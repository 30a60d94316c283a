// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conn

import (
	"fmt"
	"net"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
)

// TorrentView exposes the subset of torrent state the handshake exchange
// needs: the hash that names the torrent and the local bitfield sent right
// after the handshake.
type TorrentView interface {
	InfoHash() core.InfoHash
	NumPieces() int
	Bitfield() *bitset.BitSet
}

// PendingConn represents a half-opened connection initialized by a remote
// peer: its handshake has been read, but not yet reciprocated.
type PendingConn struct {
	handshake *Handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.PeerID
}

// InfoHash returns the info hash of the torrent the remote peer wants to open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.InfoHash
}

// Addr returns the remote network address.
func (pc *PendingConn) Addr() string {
	return pc.nc.RemoteAddr().String()
}

// Close closes the connection.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// HandshakeResult wraps data returned from a successful outbound handshake.
type HandshakeResult struct {
	Conn   *Conn
	PeerID core.PeerID
}

// Handshaker performs the opening exchange of every connection: 68-byte
// handshakes in both directions followed by our bitfield frame.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    Events
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	bl, err := bandwidth.NewLimiter(config.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	return &Handshaker{
		config:    config,
		stats:     stats,
		clk:       clk,
		bandwidth: bl,
		peerID:    peerID,
		events:    events,
		logger:    logger,
	}, nil
}

// Accept reads the opening handshake of a connection dialed by a remote peer
// and returns it as a PendingConn. The caller decides whether the named
// torrent is served before establishing.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	hs, err := ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{hs, nc}, nil
}

// Establish upgrades a PendingConn returned via Accept into a fully
// established Conn by replying with our handshake and bitfield.
func (h *Handshaker) Establish(pc *PendingConn, t TorrentView) (*Conn, error) {
	if pc.handshake.InfoHash != t.InfoHash() {
		return nil, fmt.Errorf(
			"handshake mismatch: remote wants %s, establishing %s",
			pc.handshake.InfoHash, t.InfoHash())
	}
	if err := h.sendOpening(pc.nc, t); err != nil {
		return nil, err
	}
	c, err := h.newConn(pc.nc, pc.handshake.PeerID, t.InfoHash(), true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return c, nil
}

// Initialize dials addr and performs the full opening exchange for t.
// Returns an established Conn to the remote peer.
func (h *Handshaker) Initialize(addr string, t TorrentView) (*HandshakeResult, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	r, err := h.fullHandshake(nc, t)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, t TorrentView) (*HandshakeResult, error) {
	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	hs, err := h.exchangeHandshakes(nc, t)
	if err != nil {
		return nil, err
	}
	if hs.InfoHash != t.InfoHash() {
		return nil, fmt.Errorf(
			"handshake mismatch: remote serves %s, dialed for %s", hs.InfoHash, t.InfoHash())
	}
	if err := EncodeMessage(nc, NewBitfieldMessage(t.NumPieces(), t.Bitfield())); err != nil {
		return nil, fmt.Errorf("send bitfield: %s", err)
	}
	c, err := h.newConn(nc, hs.PeerID, t.InfoHash(), false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, hs.PeerID}, nil
}

func (h *Handshaker) exchangeHandshakes(nc net.Conn, t TorrentView) (*Handshake, error) {
	local := &Handshake{InfoHash: t.InfoHash(), PeerID: h.peerID}
	if err := local.Encode(nc); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	hs, err := ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return hs, nil
}

// sendOpening replies to an accepted handshake with our handshake and
// bitfield.
func (h *Handshaker) sendOpening(nc net.Conn, t TorrentView) error {
	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %s", err)
	}
	local := &Handshake{InfoHash: t.InfoHash(), PeerID: h.peerID}
	if err := local.Encode(nc); err != nil {
		return fmt.Errorf("send handshake: %s", err)
	}
	if err := EncodeMessage(nc, NewBitfieldMessage(t.NumPieces(), t.Bitfield())); err != nil {
		return fmt.Errorf("send bitfield: %s", err)
	}
	return nil
}

func (h *Handshaker) newConn(
	nc net.Conn,
	peerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		nc,
		h.peerID,
		peerID,
		infoHash,
		openedByRemote,
		h.logger)
}
