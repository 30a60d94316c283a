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
package dispatch

import (
	"fmt"
	"time"

	"github.com/uber/angler/core"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

// peer consolidates the state of a remote peer within a Dispatcher. The four
// flow-control flags carry their protocol-mandated initial values: both sides
// start choked and uninterested.
type peer struct {
	id core.PeerID

	bitfield *syncBitfield
	messages Messages

	clk clock.Clock

	amChoking      *atomic.Bool
	amInterested   *atomic.Bool
	peerChoking    *atomic.Bool
	peerInterested *atomic.Bool

	// Number of unanswered block requests in flight.
	outstanding *atomic.Int32

	createdAt             time.Time
	lastGoodPieceReceived *atomic.Int64 // Unix nano.
	lastKeepAliveEcho     *atomic.Int64 // Unix nano.
}

// keepAliveEchoInterval floors how often an incoming keep-alive is echoed.
const keepAliveEchoInterval = 30 * time.Second

func newPeer(peerID core.PeerID, b *bitset.BitSet, messages Messages, clk clock.Clock) *peer {
	return &peer{
		id:                    peerID,
		bitfield:              newSyncBitfield(b),
		messages:              messages,
		clk:                   clk,
		amChoking:             atomic.NewBool(true),
		amInterested:          atomic.NewBool(false),
		peerChoking:           atomic.NewBool(true),
		peerInterested:        atomic.NewBool(false),
		outstanding:           atomic.NewInt32(0),
		createdAt:             clk.Now(),
		lastGoodPieceReceived: atomic.NewInt64(0),
		lastKeepAliveEcho:     atomic.NewInt64(0),
	}
}

// shouldEchoKeepAlive returns true at most once per interval.
func (p *peer) shouldEchoKeepAlive(interval time.Duration) bool {
	now := p.clk.Now().UnixNano()
	last := p.lastKeepAliveEcho.Load()
	if now-last < int64(interval) {
		return false
	}
	return p.lastKeepAliveEcho.CAS(last, now)
}

func (p *peer) String() string {
	return fmt.Sprintf("peer(%s)", p.id)
}

func (p *peer) getLastGoodPieceReceived() time.Time {
	n := p.lastGoodPieceReceived.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *peer) touchLastGoodPieceReceived() {
	p.lastGoodPieceReceived.Store(p.clk.Now().UnixNano())
}
