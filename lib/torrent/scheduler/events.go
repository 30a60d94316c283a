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
package scheduler

import (
	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler/conn"
	"github.com/uber/angler/lib/torrent/scheduler/connstate"
	"github.com/uber/angler/tracker/announceclient"
)

// event describes an external event which moves the Scheduler into a new
// state. While the event is applying, it may be assumed that no other events
// are applying.
type event interface {
	apply(s *Scheduler)
}

// incomingHandshakeEvent occurs when a remote peer has dialed us and its
// opening handshake was read off the socket.
type incomingHandshakeEvent struct {
	pc *conn.PendingConn
}

func (e incomingHandshakeEvent) apply(s *Scheduler) {
	h := e.pc.InfoHash()
	addr := e.pc.Addr()

	tc, ok := s.torrents[h]
	if !ok {
		s.log("hash", h, "addr", addr).Info("Rejecting handshake for unknown torrent")
		e.pc.Close()
		return
	}
	if err := s.connState.AddPending(h, addr); err != nil {
		s.log("hash", h, "addr", addr).Infof("Rejecting handshake: %s", err)
		e.pc.Close()
		return
	}
	go func() {
		c, err := s.handshaker.Establish(e.pc, tc.torrent)
		if err != nil {
			s.log("hash", h, "addr", addr).Infof("Error establishing conn: %s", err)
			e.pc.Close()
			s.eventLoop.send(connFailedEvent{h, addr})
			return
		}
		s.eventLoop.send(connEstablishedEvent{c})
	}()
}

// connEstablishedEvent occurs when a pending connection finishes its opening
// exchange in either direction.
type connEstablishedEvent struct {
	c *conn.Conn
}

func (e connEstablishedEvent) apply(s *Scheduler) {
	tc, ok := s.torrents[e.c.InfoHash()]
	if !ok {
		// The torrent was removed while the handshake was in flight.
		e.c.Close()
		return
	}
	if err := s.connState.MovePendingToActive(e.c); err != nil {
		s.log("conn", e.c).Infof("Discarding conn: %s", err)
		e.c.Close()
		return
	}
	// The remote piecefield arrives as the connection's first framed
	// message; until then the peer is assumed to have nothing.
	if err := tc.dispatcher.AddPeer(e.c.PeerID(), emptyBitfield(tc.dispatcher), e.c); err != nil {
		s.log("conn", e.c).Errorf("Error dispatching peer: %s", err)
		s.connState.DeleteActive(e.c)
		e.c.Close()
		return
	}
	e.c.Start()
}

// connFailedEvent occurs when a pending connection fails to establish.
type connFailedEvent struct {
	hash core.InfoHash
	addr string
}

func (e connFailedEvent) apply(s *Scheduler) {
	s.connState.DeletePending(e.hash, e.addr)
	if err := s.connState.Blacklist(e.hash, e.addr); err != nil &&
		err != connstate.ErrAddrBlacklisted {
		s.log("hash", e.hash, "addr", e.addr).Infof("Error blacklisting: %s", err)
	}
}

// connClosedEvent occurs when an active connection closes.
type connClosedEvent struct {
	c *conn.Conn
}

func (e connClosedEvent) apply(s *Scheduler) {
	s.connState.DeleteActive(e.c)
}

// announceTickEvent occurs periodically per torrent to trigger an announce.
type announceTickEvent struct {
	hash core.InfoHash
}

func (e announceTickEvent) apply(s *Scheduler) {
	tc, ok := s.torrents[e.hash]
	if !ok {
		return
	}
	s.announce(tc, tc.nextEvent())
}

// announceResultEvent occurs when a tracker handed out fresh peers.
type announceResultEvent struct {
	hash  core.InfoHash
	event announceclient.Event
	peers []*core.PeerInfo
}

func (e announceResultEvent) apply(s *Scheduler) {
	tc, ok := s.torrents[e.hash]
	if !ok {
		return
	}
	switch e.event {
	case announceclient.Started:
		tc.announcedStarted = true
	case announceclient.Completed:
		tc.pendingCompletedAnnounce = false
	}
	for _, p := range e.peers {
		// Trackers echo the announcing peer back in the handout.
		if p.HasPeerID && p.PeerID == s.peerID {
			continue
		}
		if s.isLocalAddr(p.Addr()) {
			continue
		}
		if _, ok := tc.swarm[p.Addr()]; !ok {
			tc.swarm[p.Addr()] = p
		}
	}
	s.dialPeers(tc)
}

// announceFailureEvent occurs when every tracker of a torrent failed for one
// announce round. The announce is retried at the next tick.
type announceFailureEvent struct {
	hash core.InfoHash
}

func (e announceFailureEvent) apply(s *Scheduler) {
	// Dial whatever swarm we already have.
	if tc, ok := s.torrents[e.hash]; ok {
		s.dialPeers(tc)
	}
}

// dispatcherCompleteEvent occurs when a dispatcher's torrent finishes
// downloading.
type dispatcherCompleteEvent struct {
	hash core.InfoHash
}

func (e dispatcherCompleteEvent) apply(s *Scheduler) {
	tc, ok := s.torrents[e.hash]
	if !ok {
		return
	}
	tc.pendingCompletedAnnounce = true
	s.log("hash", e.hash, "torrent", tc.dispatcher.Name()).Info("Torrent complete")
	s.announce(tc, announceclient.Completed)
	close(tc.complete)
}

// addTorrentEvent registers a freshly constructed torrent control.
type addTorrentEvent struct {
	tc     *torrentControl
	result chan error
}

func (e addTorrentEvent) apply(s *Scheduler) {
	h := e.tc.torrent.InfoHash()
	if _, ok := s.torrents[h]; ok {
		e.result <- ErrTorrentAlreadyRegistered
		return
	}
	s.torrents[h] = e.tc
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.tc.announcer.Ticker(s.done)
	}()
	e.result <- nil
}

// shutdownEvent stops the scheduler: all conns are closed, announcers
// stopped, and a final stopped announce is sent per torrent.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *Scheduler) {
	for _, c := range s.connState.ActiveConns() {
		s.log("conn", c).Info("Closing conn to stop scheduler")
		c.Close()
	}
	for _, tc := range s.torrents {
		tc.dispatcher.TearDown()
		s.announceStopped(tc)
	}
	close(s.done)
	s.listener.Close()
}
