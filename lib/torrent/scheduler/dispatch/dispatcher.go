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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler/conn"
	"github.com/uber/angler/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/uber/angler/lib/torrent/storage"
	"github.com/uber/angler/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

var errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)
}

// Messages defines a subset of conn.Conn methods which Dispatcher requires
// to communicate with remote peers.
type Messages interface {
	Send(msg conn.Message) error
	Receiver() <-chan conn.Message
	Close()
}

// Dispatcher coordinates torrent state with sending / receiving messages
// between multiple peers. As such, Dispatcher and Torrent have a one-to-one
// relationship, while Dispatcher and Conn have a one-to-many relationship.
type Dispatcher struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID
	torrent     *storage.Torrent

	peers syncmap.Map // core.PeerID -> *peer

	numPeersByPiece syncutil.Counters
	requests        *piecerequest.Manager

	pendingPiecesDoneOnce sync.Once
	pendingPiecesDone     chan struct{}

	completeOnce sync.Once

	events Events
	logger *zap.SugaredLogger
}

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t *storage.Torrent,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	d, err := newDispatcher(config, stats, clk, events, peerID, t, logger)
	if err != nil {
		return nil, err
	}

	// Exits when d.pendingPiecesDone is closed.
	go d.watchExpiredHolds()

	if t.Complete() {
		d.complete()
	}

	return d, nil
}

// newDispatcher creates a new Dispatcher with no goroutine side-effects for
// testing purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t *storage.Torrent,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	timeout := config.calcPieceRequestTimeout(t.MaxPieceLength())
	requests, err := piecerequest.NewManager(
		clk, timeout, config.PieceRequestPolicy, config.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("piece request manager: %s", err)
	}

	return &Dispatcher{
		config:            config,
		stats:             stats,
		clk:               clk,
		createdAt:         clk.Now(),
		localPeerID:       peerID,
		torrent:           t,
		numPeersByPiece:   syncutil.NewCounters(t.NumPieces()),
		requests:          requests,
		pendingPiecesDone: make(chan struct{}),
		events:            events,
		logger:            logger,
	}, nil
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Name returns d's torrent name.
func (d *Dispatcher) Name() string {
	return d.torrent.Name()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// NumPieces returns the number of pieces in d's torrent.
func (d *Dispatcher) NumPieces() int {
	return d.torrent.NumPieces()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// BytesLeft returns the number of bytes d's torrent still needs.
func (d *Dispatcher) BytesLeft() int64 {
	return d.torrent.BytesLeft()
}

// Downloaded returns the number of payload bytes received for d's torrent.
func (d *Dispatcher) Downloaded() int64 {
	return d.torrent.Downloaded()
}

// Uploaded returns the number of payload bytes sent for d's torrent.
func (d *Dispatcher) Uploaded() int64 {
	return d.torrent.Uploaded()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// LastGoodPieceReceived returns when d last received a valid and needed
// piece from peerID.
func (d *Dispatcher) LastGoodPieceReceived(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastGoodPieceReceived()
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// NumPeers returns the number of peers connected to the dispatcher.
func (d *Dispatcher) NumPeers() int {
	var n int
	d.peers.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// AddPeer registers a new peer with the Dispatcher and starts the feed loop
// consuming its messages.
func (d *Dispatcher) AddPeer(peerID core.PeerID, b *bitset.BitSet, messages Messages) error {
	p, err := d.addPeer(peerID, b, messages)
	if err != nil {
		return err
	}
	go d.maybeSendRequests(p)
	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from
// AddPeer with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, b *bitset.BitSet, messages Messages) (*peer, error) {

	p := newPeer(peerID, b, messages, d.clk)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errPeerAlreadyDispatched
	}
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		d.numPeersByPiece.Increment(int(i))
	}
	return p, nil
}

// TearDown closes all peer connections.
func (d *Dispatcher) TearDown() {
	d.peers.Range(func(k, v interface{}) bool {
		v.(*peer).messages.Close()
		return true
	})
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})
}

// feed consumes messages off p until its receiver closes, then evicts p.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log("peer", p).Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
}

func (d *Dispatcher) removePeer(p *peer) {
	d.peers.Delete(p.id)
	b := p.bitfield.Copy()
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		d.numPeersByPiece.Decrement(int(i))
	}

	released := d.requests.ClearPeer(p.id)
	if len(released) > 0 {
		// Other peers may pick up the released pieces immediately.
		d.peers.Range(func(k, v interface{}) bool {
			d.maybeSendRequests(v.(*peer))
			return true
		})
	}
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

// dispatch applies the handler of a single inbound message, then pumps
// request selection for p.
func (d *Dispatcher) dispatch(p *peer, msg conn.Message) error {
	switch v := msg.(type) {
	case conn.KeepAliveMessage:
		// Echoed so mutually idle connections stay open. Rate limited so two
		// echoing peers cannot ping-pong in a tight loop.
		if p.shouldEchoKeepAlive(keepAliveEchoInterval) {
			if err := p.messages.Send(conn.KeepAliveMessage{}); err != nil {
				return fmt.Errorf("send keep-alive: %s", err)
			}
		}
		return nil
	case conn.ChokeMessage:
		p.peerChoking.Store(true)
		// The remote dropped our in-flight requests; rewind so they are
		// re-issued once unchoked.
		d.requests.RestartPeer(p.id)
		p.outstanding.Store(0)
		return nil
	case conn.UnchokeMessage:
		p.peerChoking.Store(false)
	case conn.InterestedMessage:
		p.peerInterested.Store(true)
		return nil
	case conn.NotInterestedMessage:
		p.peerInterested.Store(false)
		return nil
	case conn.HaveMessage:
		if int(v.Index) >= d.torrent.NumPieces() {
			return fmt.Errorf("have index %d out of bounds", v.Index)
		}
		if !p.bitfield.Has(uint(v.Index)) {
			p.bitfield.Set(uint(v.Index))
			d.numPeersByPiece.Increment(int(v.Index))
		}
	case conn.BitfieldMessage:
		b, err := v.Bitset(d.torrent.NumPieces())
		if err != nil {
			return fmt.Errorf("bitfield: %s", err)
		}
		prev := p.bitfield.Replace(b)
		for i, ok := prev.NextSet(0); ok; i, ok = prev.NextSet(i + 1) {
			d.numPeersByPiece.Decrement(int(i))
		}
		for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
			d.numPeersByPiece.Increment(int(i))
		}
	case conn.PieceMessage:
		d.handlePiecePayload(p, v)
	case conn.RequestMessage:
		// Seeding is not supported; requests are accepted and ignored.
		d.stats.Counter("ignored_requests").Inc(1)
		return nil
	case conn.CancelMessage, conn.PortMessage:
		return nil
	default:
		return fmt.Errorf("unhandled message %s", msg)
	}
	d.maybeSendRequests(p)
	return nil
}

func (d *Dispatcher) handlePiecePayload(p *peer, msg conn.PieceMessage) {
	if p.outstanding.Dec() < 0 {
		// Unsolicited or already cancelled.
		p.outstanding.Store(0)
	}

	i := int(msg.Index)
	saved, err := d.torrent.WriteBlock(i, int64(msg.Begin), msg.Data)
	if err != nil {
		switch err {
		case storage.ErrPieceHashMismatch:
			// The assembled piece was corrupt and has been reset; release the
			// hold so it can be fetched again, possibly from another peer.
			d.stats.Counter("piece_hash_mismatch").Inc(1)
			d.log("peer", p, "piece", i).Info("Piece failed verification, re-requesting")
			d.requests.Release(i)
		case storage.ErrPieceComplete:
			// Duplicate delivery. Nothing to do.
		default:
			d.log("peer", p, "piece", i).Errorf("Error writing block: %s", err)
		}
		return
	}
	d.requests.Touch(i)
	if saved {
		d.requests.Release(i)
		p.touchLastGoodPieceReceived()
		d.stats.Counter("pieces_downloaded").Inc(1)
		d.announcePieceToPeers(p.id, i)
		if d.torrent.Complete() {
			d.complete()
		}
	}
}

// announcePieceToPeers broadcasts possession of piece i to every peer except
// origin, which sent it to us.
func (d *Dispatcher) announcePieceToPeers(origin core.PeerID, i int) {
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.id == origin {
			return true
		}
		if err := p.messages.Send(conn.HaveMessage{Index: uint32(i)}); err != nil {
			d.log("peer", p).Infof("Error sending have: %s", err)
		}
		return true
	})
}

// maybeSendRequests tops up the request pipeline for p: declares interest
// when p has pieces we need, and, while unchoked, requests blocks up to the
// pipeline limit.
func (d *Dispatcher) maybeSendRequests(p *peer) {
	if d.torrent.Complete() {
		return
	}
	candidates := p.bitfield.Copy().Difference(d.torrent.Bitfield())
	if candidates.None() {
		return
	}
	if p.amInterested.CAS(false, true) {
		if err := p.messages.Send(conn.InterestedMessage{}); err != nil {
			d.log("peer", p).Infof("Error sending interested: %s", err)
			p.amInterested.Store(false)
			return
		}
	}
	if p.peerChoking.Load() {
		// Interest is declared but no requests may be sent while choked.
		return
	}
	for p.outstanding.Load() < int32(d.config.PipelineLimit) {
		req, ok, err := d.requests.NextBlockRequest(
			p.id, candidates, d.numPeersByPiece, d.torrent.PieceLength)
		if err != nil {
			d.log("peer", p).Errorf("Error selecting block request: %s", err)
			return
		}
		if !ok {
			return
		}
		msg := conn.RequestMessage{
			Index:  uint32(req.Piece),
			Begin:  uint32(req.Offset),
			Length: uint32(req.Length),
		}
		if err := p.messages.Send(msg); err != nil {
			d.log("peer", p).Infof("Error sending request: %s", err)
			return
		}
		p.outstanding.Inc()
	}
}

// watchExpiredHolds periodically releases piece holds which have stalled,
// letting other connections retry them.
func (d *Dispatcher) watchExpiredHolds() {
	t := d.clk.Ticker(d.config.calcPieceRequestTimeout(d.torrent.MaxPieceLength()) / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			released := d.requests.ReleaseExpired()
			if len(released) > 0 {
				d.stats.Counter("expired_holds").Inc(int64(len(released)))
				d.peers.Range(func(k, v interface{}) bool {
					d.maybeSendRequests(v.(*peer))
					return true
				})
			}
		case <-d.pendingPiecesDone:
			return
		}
	}
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() {
		d.events.DispatcherComplete(d)
	})
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})
}

func (d *Dispatcher) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "torrent", d.torrent.Name(), "hash", d.InfoHash())
	return d.logger.With(keysAndValues...)
}
