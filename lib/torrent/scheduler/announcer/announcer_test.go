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
package announcer

import (
	"errors"
	"testing"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/tracker/announceclient"
	"github.com/uber/angler/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	resp *announceclient.Response
	err  error
}

func (c *stubClient) Announce(req *announceclient.Request) (*announceclient.Response, error) {
	return c.resp, c.err
}

type tickEvents struct {
	ticks chan core.InfoHash
}

func (e *tickEvents) AnnounceTick(h core.InfoHash) { e.ticks <- h }

func TestAnnouncerUpdatesInterval(t *testing.T) {
	require := require.New(t)

	stub := &stubClient{resp: &announceclient.Response{
		Interval: time.Minute,
		Peers:    []*core.PeerInfo{core.PeerInfoFixture()},
	}}
	a := New(
		Config{}, core.InfoHashFixture(), stub,
		&tickEvents{make(chan core.InfoHash, 1)}, clock.New(), log.Default())

	peers, err := a.Announce(&announceclient.Request{})
	require.NoError(err)
	require.Len(peers, 1)
	require.Equal(int64(time.Minute), a.interval.Load())

	// A min interval above the interval is honored as a floor.
	stub.resp = &announceclient.Response{Interval: time.Minute, MinInterval: 2 * time.Minute}
	_, err = a.Announce(&announceclient.Request{})
	require.NoError(err)
	require.Equal(int64(2*time.Minute), a.interval.Load())

	// Oversized intervals are clamped.
	stub.resp = &announceclient.Response{Interval: 24 * time.Hour}
	_, err = a.Announce(&announceclient.Request{})
	require.NoError(err)
	require.Equal(int64(a.config.MaxInterval), a.interval.Load())
}

func TestAnnouncerAnnounceError(t *testing.T) {
	stub := &stubClient{err: errors.New("tracker down")}
	a := New(
		Config{}, core.InfoHashFixture(), stub,
		&tickEvents{make(chan core.InfoHash, 1)}, clock.New(), log.Default())

	_, err := a.Announce(&announceclient.Request{})
	require.Error(t, err)
}

func TestAnnouncerTicker(t *testing.T) {
	require := require.New(t)

	h := core.InfoHashFixture()
	events := &tickEvents{make(chan core.InfoHash, 4)}
	clk := clock.NewMock()
	a := New(Config{DefaultInterval: time.Second}, h, &stubClient{}, events, clk, log.Default())

	done := make(chan struct{})
	defer close(done)
	go a.Ticker(done)

	// The first tick is immediate.
	select {
	case tick := <-events.ticks:
		require.Equal(h, tick)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial tick")
	}

	clk.Add(time.Second)
	select {
	case tick := <-events.ticks:
		require.Equal(h, tick)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timer tick")
	}
}
