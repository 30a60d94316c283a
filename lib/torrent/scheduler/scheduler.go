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
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler/announcer"
	"github.com/uber/angler/lib/torrent/scheduler/conn"
	"github.com/uber/angler/lib/torrent/scheduler/connstate"
	"github.com/uber/angler/lib/torrent/scheduler/dispatch"
	"github.com/uber/angler/lib/torrent/storage"
	"github.com/uber/angler/tracker/announceclient"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

// Scheduler errors.
var (
	ErrTorrentAlreadyRegistered = errors.New("torrent already registered")
	ErrSchedulerStopped         = errors.New("scheduler stopped")
	ErrNoListenPort             = errors.New("no free port in listen range")
)

// torrentControl bundles the per-torrent machinery: its dispatcher, its
// announce loop, and the swarm of known peer endpoints, unique by address.
type torrentControl struct {
	torrent    *storage.Torrent
	dispatcher *dispatch.Dispatcher
	announcer  *announcer.Announcer

	swarm map[string]*core.PeerInfo

	announcedStarted         bool
	pendingCompletedAnnounce bool

	complete chan struct{}
}

// nextEvent returns the lifecycle event the next announce should carry.
func (tc *torrentControl) nextEvent() announceclient.Event {
	if !tc.announcedStarted {
		return announceclient.Started
	}
	if tc.pendingCompletedAnnounce {
		return announceclient.Completed
	}
	return announceclient.None
}

// neededPeers sizes the numwant announce parameter from the current swarm.
func (tc *torrentControl) neededPeers(limit int) int {
	n := limit - len(tc.swarm)
	if n < 0 {
		return 0
	}
	return n
}

type eventLoop struct {
	events chan event
	done   chan struct{}
}

func (l *eventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

// Scheduler coordinates the swarms of all registered torrents: it accepts
// inbound connections, dials peers handed out by trackers, and owns the
// lifecycle of every connection and announce loop. All shared state is
// mutated from a single event loop goroutine.
type Scheduler struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	peerID      core.PeerID
	announceKey core.AnnounceKey
	port        int

	handshaker *conn.Handshaker
	connState  *connstate.State

	// torrents is owned by the event loop goroutine.
	torrents map[core.InfoHash]*torrentControl

	// completions mirrors per-torrent completion channels for outside
	// observers.
	completions syncmap.Map // core.InfoHash -> chan struct{}

	listener  net.Listener
	eventLoop *eventLoop

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates and starts a Scheduler. The listen port is the first free port
// in the configured range.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	logger *zap.SugaredLogger) (*Scheduler, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "scheduler",
	})

	key, err := core.RandomAnnounceKey()
	if err != nil {
		return nil, fmt.Errorf("announce key: %s", err)
	}

	listener, port, err := listen(config)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	s := &Scheduler{
		config:      config,
		stats:       stats,
		clk:         clk,
		logger:      logger,
		peerID:      peerID,
		announceKey: key,
		port:        port,
		connState:   connstate.New(config.ConnState, clk, logger),
		torrents:    make(map[core.InfoHash]*torrentControl),
		listener:    listener,
		eventLoop:   &eventLoop{make(chan event, config.EventBufferSize), done},
		done:        done,
	}

	s.handshaker, err = conn.NewHandshaker(
		config.Conn, stats, clk, peerID, s, logger)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("handshaker: %s", err)
	}

	s.log().Infof("Listening on port %d", port)

	s.wg.Add(2)
	go s.runEventLoop()
	go s.listenLoop()

	return s, nil
}

func listen(config Config) (net.Listener, int, error) {
	if config.ListenPortStart < 0 {
		l, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, err
		}
		return l, l.Addr().(*net.TCPAddr).Port, nil
	}
	for port := config.ListenPortStart; port < config.ListenPortEnd; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		return l, port, nil
	}
	return nil, 0, ErrNoListenPort
}

// Port returns the port the scheduler is listening on.
func (s *Scheduler) Port() int {
	return s.port
}

// PeerID returns the local peer id.
func (s *Scheduler) PeerID() core.PeerID {
	return s.peerID
}

// AddTorrent registers mi for downloading. Returns a channel which is closed
// once the torrent is fully downloaded.
func (s *Scheduler) AddTorrent(mi *core.MetaInfo) (<-chan struct{}, error) {
	complete := make(chan struct{})
	if _, loaded := s.completions.LoadOrStore(mi.InfoHash(), complete); loaded {
		return nil, ErrTorrentAlreadyRegistered
	}
	t, err := storage.NewTorrent(s.config.Storage, mi)
	if err != nil {
		s.completions.Delete(mi.InfoHash())
		return nil, fmt.Errorf("storage: %s", err)
	}
	d, err := dispatch.New(
		s.config.Dispatch, s.stats, s.clk, s, s.peerID, t, s.logger)
	if err != nil {
		s.completions.Delete(mi.InfoHash())
		return nil, fmt.Errorf("dispatch: %s", err)
	}
	client := announceclient.New(
		s.config.AnnounceClient, s.peerID, s.port, s.announceKey,
		mi.AnnounceTiers(), s.logger)
	a := announcer.New(s.config.Announcer, mi.InfoHash(), client, s, s.clk, s.logger)

	tc := &torrentControl{
		torrent:    t,
		dispatcher: d,
		announcer:  a,
		swarm:      make(map[string]*core.PeerInfo),
		complete:   complete,
	}

	result := make(chan error, 1)
	if !s.eventLoop.send(addTorrentEvent{tc, result}) {
		return nil, ErrSchedulerStopped
	}
	select {
	case err := <-result:
		if err != nil {
			s.completions.Delete(mi.InfoHash())
			return nil, err
		}
	case <-s.done:
		return nil, ErrSchedulerStopped
	}
	s.log("torrent", t.Name(), "hash", t.InfoHash()).Info("Added torrent")
	return tc.complete, nil
}

// Completion returns the completion channel of a registered torrent, closed
// once every piece is saved.
func (s *Scheduler) Completion(h core.InfoHash) (<-chan struct{}, bool) {
	v, ok := s.completions.Load(h)
	if !ok {
		return nil, false
	}
	return v.(chan struct{}), true
}

// Stop shuts down the scheduler: connections first, then announce loops
// (with a final stopped announce), then the listener.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log().Info("Stopping scheduler")
		s.eventLoop.send(shutdownEvent{})
		s.wg.Wait()
	})
}

func (s *Scheduler) runEventLoop() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.eventLoop.events:
			e.apply(s)
		case <-s.done:
			return
		}
	}
}

// listenLoop accepts inbound connections and reads their handshakes off the
// event loop so a slow remote cannot stall other peers.
func (s *Scheduler) listenLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		go func() {
			pc, err := s.handshaker.Accept(nc)
			if err != nil {
				s.log("addr", nc.RemoteAddr()).Infof("Error accepting handshake: %s", err)
				nc.Close()
				return
			}
			s.eventLoop.send(incomingHandshakeEvent{pc})
		}()
	}
}

// announce kicks off an asynchronous announce for tc.
func (s *Scheduler) announce(tc *torrentControl, event announceclient.Event) {
	h := tc.torrent.InfoHash()
	req := &announceclient.Request{
		InfoHash:   h,
		Uploaded:   tc.torrent.Uploaded(),
		Downloaded: tc.torrent.Downloaded(),
		Left:       tc.torrent.BytesLeft(),
		Event:      event,
		NumWant:    tc.neededPeers(s.config.NewConnectionLimit),
	}
	go func() {
		peers, err := tc.announcer.Announce(req)
		if err != nil {
			s.log("hash", h).Warnf("Announce failed: %s", err)
			s.eventLoop.send(announceFailureEvent{h})
			return
		}
		s.eventLoop.send(announceResultEvent{h, event, peers})
	}()
}

// announceStopped sends a best-effort synchronous stopped announce for tc
// during shutdown.
func (s *Scheduler) announceStopped(tc *torrentControl) {
	req := &announceclient.Request{
		InfoHash:   tc.torrent.InfoHash(),
		Uploaded:   tc.torrent.Uploaded(),
		Downloaded: tc.torrent.Downloaded(),
		Left:       tc.torrent.BytesLeft(),
		Event:      announceclient.Stopped,
	}
	if _, err := tc.announcer.Announce(req); err != nil {
		s.log("hash", tc.torrent.InfoHash()).Infof("Stopped announce failed: %s", err)
	}
}

// dialPeers opens connections to known but unconnected swarm peers, up to
// the per-announce dial budget and the torrent's connection capacity.
func (s *Scheduler) dialPeers(tc *torrentControl) {
	h := tc.torrent.InfoHash()
	if tc.torrent.Complete() {
		return
	}
	var dialed int
	for addr := range tc.swarm {
		if dialed >= s.config.NewConnectionLimit {
			return
		}
		if s.isLocalAddr(addr) {
			continue
		}
		err := s.connState.AddPending(h, addr)
		switch err {
		case nil:
		case connstate.ErrTorrentAtCapacity:
			return
		default:
			// Already connected, pending, or blacklisted.
			continue
		}
		dialed++
		go func(addr string) {
			r, err := s.handshaker.Initialize(addr, tc.torrent)
			if err != nil {
				s.log("hash", h, "addr", addr).Infof("Error dialing peer: %s", err)
				s.eventLoop.send(connFailedEvent{h, addr})
				return
			}
			s.eventLoop.send(connEstablishedEvent{r.Conn})
		}(addr)
	}
}

// isLocalAddr guards against dialing ourselves off our own tracker handout.
func (s *Scheduler) isLocalAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if port != fmt.Sprintf("%d", s.port) {
		return false
	}
	return host == "127.0.0.1" || host == "localhost" || strings.HasPrefix(host, "::1")
}

func emptyBitfield(d *dispatch.Dispatcher) *bitset.BitSet {
	return bitset.New(uint(d.NumPieces()))
}

// ConnClosed implements conn.Events.
func (s *Scheduler) ConnClosed(c *conn.Conn) {
	s.stats.Counter("conn_closed").Inc(1)
	s.eventLoop.send(connClosedEvent{c})
}

// DispatcherComplete implements dispatch.Events.
func (s *Scheduler) DispatcherComplete(d *dispatch.Dispatcher) {
	s.eventLoop.send(dispatcherCompleteEvent{d.InfoHash()})
}

// PeerRemoved implements dispatch.Events.
func (s *Scheduler) PeerRemoved(peerID core.PeerID, h core.InfoHash) {
	s.stats.Counter("peer_removed").Inc(1)
}

// AnnounceTick implements announcer.Events.
func (s *Scheduler) AnnounceTick(h core.InfoHash) {
	s.eventLoop.send(announceTickEvent{h})
}

func (s *Scheduler) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	return s.logger.With(keysAndValues...)
}
