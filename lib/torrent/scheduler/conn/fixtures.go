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
	"net"

	"github.com/uber/angler/core"
	"github.com/uber/angler/utils/bandwidth"
	"github.com/uber/angler/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
)

// NoopEvents is an Events implementation which ignores all events.
type NoopEvents struct{}

// ConnClosed noops.
func (e NoopEvents) ConnClosed(*Conn) {}

// ConfigFixture returns a Config suitable for testing: default buffer
// sizes, bandwidth limiting disabled.
func ConfigFixture() Config {
	return Config{
		Bandwidth: bandwidth.Config{Disable: true},
	}.applyDefaults()
}

// PipeFixture returns Conns for both ends of an in-memory connection
// transmitting infoHash.
func PipeFixture(config Config, infoHash core.InfoHash) (local, remote *Conn, cleanup func()) {
	ncLocal, ncRemote := net.Pipe()

	local = connFixture(config, ncLocal, infoHash, false)
	remote = connFixture(config, ncRemote, infoHash, true)
	cleanup = func() {
		local.Close()
		remote.Close()
	}
	return local, remote, cleanup
}

func connFixture(config Config, nc net.Conn, infoHash core.InfoHash, openedByRemote bool) *Conn {
	bl, err := bandwidth.NewLimiter(bandwidth.Config{Disable: true})
	if err != nil {
		panic(err)
	}
	c, err := newConn(
		config.applyDefaults(),
		tally.NoopScope,
		clock.New(),
		bl,
		NoopEvents{},
		nc,
		core.PeerIDFixture(),
		core.PeerIDFixture(),
		infoHash,
		openedByRemote,
		log.Default())
	if err != nil {
		panic(err)
	}
	return c
}

// TorrentViewFixture implements TorrentView over fixed values.
type TorrentViewFixture struct {
	Hash   core.InfoHash
	Pieces int
	Owned  *bitset.BitSet
}

// NewTorrentViewFixture returns a TorrentViewFixture of numPieces pieces with
// the given owned pieces set.
func NewTorrentViewFixture(hash core.InfoHash, numPieces int, owned ...uint) *TorrentViewFixture {
	b := bitset.New(uint(numPieces))
	for _, i := range owned {
		b.Set(i)
	}
	return &TorrentViewFixture{Hash: hash, Pieces: numPieces, Owned: b}
}

// InfoHash returns the fixture hash.
func (f *TorrentViewFixture) InfoHash() core.InfoHash { return f.Hash }

// NumPieces returns the fixture piece count.
func (f *TorrentViewFixture) NumPieces() int { return f.Pieces }

// Bitfield returns the fixture bitfield.
func (f *TorrentViewFixture) Bitfield() *bitset.BitSet { return f.Owned }
