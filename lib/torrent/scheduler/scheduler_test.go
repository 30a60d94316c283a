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
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler/conn"
	"github.com/uber/angler/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

// testSeeder is a minimal scripted peer serving a fully seeded torrent over
// the real wire protocol.
type testSeeder struct {
	lis     net.Listener
	mi      *core.MetaInfo
	content []byte
	peerID  core.PeerID
	wg      sync.WaitGroup
}

func newTestSeeder(t *testing.T, mi *core.MetaInfo, content []byte) *testSeeder {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testSeeder{
		lis:     lis,
		mi:      mi,
		content: content,
		peerID:  core.PeerIDFixture(),
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *testSeeder) port() int {
	return s.lis.Addr().(*net.TCPAddr).Port
}

func (s *testSeeder) stop() {
	s.lis.Close()
	s.wg.Wait()
}

func (s *testSeeder) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.lis.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer nc.Close()
			s.handle(nc)
		}()
	}
}

func (s *testSeeder) handle(nc net.Conn) {
	hs, err := conn.ReadHandshake(nc)
	if err != nil || hs.InfoHash != s.mi.InfoHash() {
		return
	}
	reply := &conn.Handshake{InfoHash: s.mi.InfoHash(), PeerID: s.peerID}
	if err := reply.Encode(nc); err != nil {
		return
	}
	owned := make([]byte, (s.mi.NumPieces()+7)/8)
	for i := 0; i < s.mi.NumPieces(); i++ {
		owned[i/8] |= 0x80 >> uint(i%8)
	}
	if err := conn.EncodeMessage(nc, conn.BitfieldMessage{Bits: owned}); err != nil {
		return
	}
	for {
		msg, err := conn.DecodeMessage(nc)
		if err != nil {
			return
		}
		switch v := msg.(type) {
		case conn.InterestedMessage:
			if err := conn.EncodeMessage(nc, conn.UnchokeMessage{}); err != nil {
				return
			}
		case conn.RequestMessage:
			start := int64(v.Index)*s.mi.PieceLength() + int64(v.Begin)
			end := start + int64(v.Length)
			if start < 0 || end > int64(len(s.content)) {
				return
			}
			piece := conn.PieceMessage{
				Index: v.Index,
				Begin: v.Begin,
				Data:  s.content[start:end],
			}
			if err := conn.EncodeMessage(nc, piece); err != nil {
				return
			}
		default:
			// Bitfield, have, keep-alive, etc. are irrelevant to seeding.
		}
	}
}

// testTracker serves a bencoded compact handout of the given peers and
// records the announced events.
type testTracker struct {
	srv *httptest.Server

	mu     sync.Mutex
	events []string
}

func newTestTracker(t *testing.T, peerAddrs ...string) *testTracker {
	t.Helper()
	tr := &testTracker{}
	var compact bytes.Buffer
	for _, addr := range peerAddrs {
		host, portStr, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		ip := net.ParseIP(host).To4()
		require.NotNil(t, ip)
		compact.Write(ip)
		p, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], uint16(p))
		compact.Write(port[:])
	}
	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr.mu.Lock()
		tr.events = append(tr.events, r.URL.Query().Get("event"))
		tr.mu.Unlock()
		bencode.Marshal(w, map[string]interface{}{
			"interval": int64(60),
			"peers":    compact.String(),
		})
	}))
	return tr
}

func (tr *testTracker) announcedEvents() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string{}, tr.events...)
}

func schedulerFixture(t *testing.T, downloadDir string) *Scheduler {
	t.Helper()
	config := Config{
		ListenPortStart: -1,
	}
	config.Storage.DownloadDir = downloadDir
	s, err := New(config, tally.NoopScope, clock.New(), core.PeerIDFixture(), log.Default())
	require.NoError(t, err)
	return s
}

func TestSchedulerDownloadsFromSeeder(t *testing.T) {
	require := require.New(t)

	content := []byte("Farewell and adieu to you fair Spanish ladies...!")
	pieceLength := int64(16)

	dir, err := ioutil.TempDir("", "scheduler-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	seederDir, err := ioutil.TempDir("", "scheduler-test-seeder-")
	require.NoError(err)
	defer os.RemoveAll(seederDir)

	// The metainfo must name the test tracker, which must know the seeder's
	// address, which exists before the tracker. Build in that order.
	base := core.SingleFileMetaInfoFixture("ballad.txt", content, pieceLength)
	seeder := newTestSeeder(t, base, content)
	defer seeder.stop()

	tracker := newTestTracker(t, "127.0.0.1:"+strconv.Itoa(seeder.port()))
	defer tracker.srv.Close()

	mi, err := core.NewMetaInfo(
		"ballad.txt",
		pieceLength,
		[]core.FileInfo{{Path: "ballad.txt", Length: int64(len(content))}},
		core.PieceHashesFixture(content, pieceLength),
		[][]string{{tracker.srv.URL + "/announce"}})
	require.NoError(err)
	require.Equal(base.InfoHash(), mi.InfoHash())

	s := schedulerFixture(t, dir)
	defer s.Stop()

	complete, err := s.AddTorrent(mi)
	require.NoError(err)

	select {
	case <-complete:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out downloading torrent")
	}

	b, err := ioutil.ReadFile(filepath.Join(dir, "ballad.txt"))
	require.NoError(err)
	require.Equal(content, b)

	// The first announce carried started; completion announced completed.
	require.Eventually(func() bool {
		events := tracker.announcedEvents()
		var started, completed bool
		for _, e := range events {
			started = started || e == "started"
			completed = completed || e == "completed"
		}
		return started && completed
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsUnknownTorrentHandshake(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "scheduler-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	s := schedulerFixture(t, dir)
	defer s.Stop()

	nc, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(s.Port()))
	require.NoError(err)
	defer nc.Close()

	hs := &conn.Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	require.NoError(hs.Encode(nc))

	// The scheduler closes the connection without reciprocating.
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf [1]byte
	_, err = nc.Read(buf[:])
	require.Error(err)
}

func TestSchedulerRejectsDuplicateTorrent(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "scheduler-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	s := schedulerFixture(t, dir)
	defer s.Stop()

	mi := core.SingleFileMetaInfoFixture("blob.bin", []byte("0123456789abcdef"), 16)

	_, err = s.AddTorrent(mi)
	require.NoError(err)
	_, err = s.AddTorrent(mi)
	require.Equal(ErrTorrentAlreadyRegistered, err)
}
