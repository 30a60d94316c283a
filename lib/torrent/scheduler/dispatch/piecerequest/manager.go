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
package piecerequest

import (
	"fmt"
	"sync"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// BlockRequest addresses one block of a held piece.
type BlockRequest struct {
	Piece  int
	Offset int64
	Length int64
}

// hold records that a single peer currently owns the transfer of a piece.
// The offset cursor tracks the next unrequested block.
type hold struct {
	piece     int
	peerID    core.PeerID
	offset    int64
	lastTouch time.Time
}

// Manager is the piece-hold ledger of a torrent. It enforces the invariant
// that at most one connection is transferring a given piece at a time: a
// piece may only be requested through a hold, and holds are granted under a
// single mutex.
//
// Manager is not responsible for sending or receiving blocks in any way.
type Manager struct {
	sync.Mutex

	// holds and holdsByPeer hold the same data, just indexed differently.
	holds       map[int]*hold
	holdsByPeer map[core.PeerID]map[int]*hold

	clk       clock.Clock
	timeout   time.Duration
	policy    pieceSelectionPolicy
	blockSize int64
}

// NewManager creates a new Manager.
func NewManager(
	clk clock.Clock,
	timeout time.Duration,
	policy string,
	blockSize int64) (*Manager, error) {

	m := &Manager{
		holds:       make(map[int]*hold),
		holdsByPeer: make(map[core.PeerID]map[int]*hold),
		clk:         clk,
		timeout:     timeout,
		blockSize:   blockSize,
	}
	switch policy {
	case DefaultPolicy:
		m.policy = newDefaultPolicy()
	case RarestFirstPolicy:
		m.policy = newRarestFirstPolicy()
	default:
		return nil, fmt.Errorf("invalid piece selection policy: %s", policy)
	}
	return m, nil
}

// NextBlockRequest returns the next block to request from peerID. A block
// of a piece already held by peerID is preferred; otherwise a new piece is
// claimed from candidates per the selection policy. Returns false if the
// peer's held pieces are fully requested and no claimable candidate remains.
//
// candidates must hold the pieces peerID advertises and we still need.
func (m *Manager) NextBlockRequest(
	peerID core.PeerID,
	candidates *bitset.BitSet,
	numPeersByPiece syncutil.Counters,
	pieceLength func(int) int64) (BlockRequest, bool, error) {

	m.Lock()
	defer m.Unlock()

	for _, h := range m.holdsByPeer[peerID] {
		if h.offset < pieceLength(h.piece) {
			return m.nextBlock(h, pieceLength), true, nil
		}
	}

	valid := func(i int) bool {
		_, held := m.holds[i]
		return !held
	}
	pieces, err := m.policy.selectPieces(1, valid, candidates, numPeersByPiece)
	if err != nil {
		return BlockRequest{}, false, err
	}
	if len(pieces) == 0 {
		return BlockRequest{}, false, nil
	}
	h := &hold{piece: pieces[0], peerID: peerID, lastTouch: m.clk.Now()}
	m.holds[h.piece] = h
	if _, ok := m.holdsByPeer[peerID]; !ok {
		m.holdsByPeer[peerID] = make(map[int]*hold)
	}
	m.holdsByPeer[peerID][h.piece] = h

	return m.nextBlock(h, pieceLength), true, nil
}

func (m *Manager) nextBlock(h *hold, pieceLength func(int) int64) BlockRequest {
	remaining := pieceLength(h.piece) - h.offset
	length := m.blockSize
	if remaining < length {
		length = remaining
	}
	r := BlockRequest{Piece: h.piece, Offset: h.offset, Length: length}
	h.offset += length
	h.lastTouch = m.clk.Now()
	return r
}

// HeldBy returns the peer holding piece i, if any.
func (m *Manager) HeldBy(i int) (core.PeerID, bool) {
	m.Lock()
	defer m.Unlock()

	h, ok := m.holds[i]
	if !ok {
		return core.PeerID{}, false
	}
	return h.peerID, true
}

// Touch records progress on piece i, pushing back its expiry.
func (m *Manager) Touch(i int) {
	m.Lock()
	defer m.Unlock()

	if h, ok := m.holds[i]; ok {
		h.lastTouch = m.clk.Now()
	}
}

// Release returns piece i to the claimable pool. Called once the piece is
// saved, or when its transfer failed verification.
func (m *Manager) Release(i int) {
	m.Lock()
	defer m.Unlock()

	m.release(i)
}

func (m *Manager) release(i int) {
	h, ok := m.holds[i]
	if !ok {
		return
	}
	delete(m.holds, i)
	delete(m.holdsByPeer[h.peerID], i)
	if len(m.holdsByPeer[h.peerID]) == 0 {
		delete(m.holdsByPeer, h.peerID)
	}
}

// ClearPeer releases every hold of peerID. Returns the released pieces so
// the caller may hand them to other peers.
func (m *Manager) ClearPeer(peerID core.PeerID) []int {
	m.Lock()
	defer m.Unlock()

	var released []int
	for i := range m.holdsByPeer[peerID] {
		released = append(released, i)
	}
	for _, i := range released {
		m.release(i)
	}
	return released
}

// RestartPeer rewinds the block cursors of peerID's holds so their blocks
// are re-requested from the start. Used when the remote peer chokes us and
// drops our in-flight requests; re-received bytes overwrite idempotently.
func (m *Manager) RestartPeer(peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()

	for _, h := range m.holdsByPeer[peerID] {
		h.offset = 0
	}
}

// ReleaseExpired releases every hold which has seen no progress within the
// request timeout. Returns the released pieces.
func (m *Manager) ReleaseExpired() []int {
	m.Lock()
	defer m.Unlock()

	var released []int
	now := m.clk.Now()
	for i, h := range m.holds {
		if now.Sub(h.lastTouch) >= m.timeout {
			released = append(released, i)
		}
	}
	for _, i := range released {
		m.release(i)
	}
	return released
}

// NumHolds returns the number of outstanding piece holds.
func (m *Manager) NumHolds() int {
	m.Lock()
	defer m.Unlock()

	return len(m.holds)
}
