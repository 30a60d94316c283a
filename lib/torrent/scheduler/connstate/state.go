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
package connstate

import (
	"errors"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler/conn"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// State errors.
var (
	ErrTorrentAtCapacity       = errors.New("torrent is at capacity")
	ErrConnAlreadyPending      = errors.New("conn is already pending")
	ErrConnAlreadyActive       = errors.New("conn is already active")
	ErrInvalidActiveTransition = errors.New("conn must be pending to transition to active")
	ErrAddrBlacklisted         = errors.New("addr is blacklisted")

	// This should NEVER happen.
	errUnknownStatus = errors.New("invariant violation: unknown status")
)

type status int

const (
	// _uninit indicates the connection is uninitialized. This is the default
	// status for empty entries.
	_uninit status = iota
	_pending
	_active
)

type entry struct {
	status status
	conn   *conn.Conn
}

type connKey struct {
	hash core.InfoHash
	addr string
}

type blacklistEntry struct {
	expiration time.Time
}

func (e *blacklistEntry) Blacklisted(now time.Time) bool {
	return e.Remaining(now) > 0
}

func (e *blacklistEntry) Remaining(now time.Time) time.Duration {
	return e.expiration.Sub(now)
}

// State provides connection lifecycle management and enforces connection
// limits. A connection to a peer is identified by torrent info hash and the
// peer's endpoint address. Each connection may exist in the following states:
// pending, active, or blacklisted. Pending connections are unestablished
// connections which "reserve" connection capacity until they are done
// handshaking. Active connections are established connections. Blacklisted
// connections are failed connections which should be skipped when dialing
// and accepting.
//
// Note, State is NOT thread-safe. Synchronization must be provided by the
// client.
type State struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	// All pending or active conns. These count towards conn capacity.
	conns map[core.InfoHash]map[string]entry

	// All blacklisted conns. These do not count towards conn capacity.
	blacklist map[connKey]*blacklistEntry
}

// New creates a new State.
func New(config Config, clk clock.Clock, logger *zap.SugaredLogger) *State {
	config = config.applyDefaults()

	return &State{
		config:    config,
		clk:       clk,
		logger:    logger,
		conns:     make(map[core.InfoHash]map[string]entry),
		blacklist: make(map[connKey]*blacklistEntry),
	}
}

// ActiveConns returns a list of all active connections.
func (s *State) ActiveConns() []*conn.Conn {
	var active []*conn.Conn
	for _, conns := range s.conns {
		for _, e := range conns {
			if e.status == _active {
				active = append(active, e.conn)
			}
		}
	}
	return active
}

// NumActiveConns returns the number of active connections for h.
func (s *State) NumActiveConns(h core.InfoHash) int {
	var n int
	for _, e := range s.conns[h] {
		if e.status == _active {
			n++
		}
	}
	return n
}

// Saturated returns true if h is at capacity and all the conns are active.
func (s *State) Saturated(h core.InfoHash) bool {
	return s.NumActiveConns(h) >= s.config.MaxOpenConnectionsPerTorrent
}

// Blacklist blacklists addr for h for the configured BlacklistDuration.
// Returns an error if the address is already blacklisted.
func (s *State) Blacklist(h core.InfoHash, addr string) error {
	if s.config.DisableBlacklist {
		return nil
	}

	k := connKey{h, addr}
	if e, ok := s.blacklist[k]; ok && e.Blacklisted(s.clk.Now()) {
		return errors.New("conn is already blacklisted")
	}
	s.blacklist[k] = &blacklistEntry{s.clk.Now().Add(s.config.BlacklistDuration)}

	s.log("hash", h, "addr", addr).Infof(
		"Connection blacklisted for %s", s.config.BlacklistDuration)
	return nil
}

// Blacklisted returns true if addr is blacklisted for h.
func (s *State) Blacklisted(h core.InfoHash, addr string) bool {
	e, ok := s.blacklist[connKey{h, addr}]
	return ok && e.Blacklisted(s.clk.Now())
}

// ClearBlacklist removes all blacklisted entries for h.
func (s *State) ClearBlacklist(h core.InfoHash) {
	for k := range s.blacklist {
		if k.hash == h {
			delete(s.blacklist, k)
		}
	}
}

// AddPending reserves capacity for a connection to addr. The reservation
// must be resolved with either MovePendingToActive or DeletePending.
func (s *State) AddPending(h core.InfoHash, addr string) error {
	if s.Blacklisted(h, addr) {
		return ErrAddrBlacklisted
	}
	if len(s.conns[h]) >= s.config.MaxOpenConnectionsPerTorrent {
		return ErrTorrentAtCapacity
	}
	switch s.conns[h][addr].status {
	case _uninit:
		if _, ok := s.conns[h]; !ok {
			s.conns[h] = make(map[string]entry)
		}
		s.conns[h][addr] = entry{status: _pending}
		s.log("hash", h, "addr", addr).Debugf(
			"Added pending conn, capacity now at %d", s.capacity(h))
		return nil
	case _pending:
		return ErrConnAlreadyPending
	case _active:
		return ErrConnAlreadyActive
	}
	return errUnknownStatus
}

// DeletePending frees a pending reservation which failed to establish.
func (s *State) DeletePending(h core.InfoHash, addr string) {
	if s.conns[h][addr].status != _pending {
		return
	}
	delete(s.conns[h], addr)
	if len(s.conns[h]) == 0 {
		delete(s.conns, h)
	}
	s.log("hash", h, "addr", addr).Debugf(
		"Deleted pending conn, capacity now at %d", s.capacity(h))
}

// MovePendingToActive upgrades the pending reservation for c's address into
// an active connection.
func (s *State) MovePendingToActive(c *conn.Conn) error {
	h := c.InfoHash()
	addr := c.Addr()
	if s.conns[h][addr].status != _pending {
		return ErrInvalidActiveTransition
	}
	s.conns[h][addr] = entry{status: _active, conn: c}
	s.log("hash", h, "addr", addr).Info("Moved conn from pending to active")
	return nil
}

// DeleteActive removes c from the active set. No-ops if c is not active,
// so a closed connection cannot evict its successor.
func (s *State) DeleteActive(c *conn.Conn) {
	h := c.InfoHash()
	addr := c.Addr()
	e := s.conns[h][addr]
	if e.status != _active || e.conn != c {
		return
	}
	delete(s.conns[h], addr)
	if len(s.conns[h]) == 0 {
		delete(s.conns, h)
	}
	s.log("hash", h, "addr", addr).Info("Deleted active conn")
}

func (s *State) capacity(h core.InfoHash) int {
	return s.config.MaxOpenConnectionsPerTorrent - len(s.conns[h])
}

func (s *State) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	return s.logger.With(keysAndValues...)
}
