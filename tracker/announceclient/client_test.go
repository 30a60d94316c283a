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
package announceclient

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/uber/angler/core"
	"github.com/uber/angler/utils/log"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func bencodeResponse(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return buf.Bytes()
}

func clientFixture(tiers [][]string) *client {
	return New(
		Config{Timeout: 2 * time.Second, MaxRetries: 1, RetryInterval: time.Millisecond},
		core.PeerIDFixture(),
		6881,
		core.AnnounceKeyFixture(),
		tiers,
		log.Default()).(*client)
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	require := require.New(t)

	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		// Two compact peers: 10.0.0.1:6881 and 10.0.0.2:256.
		peers := string([]byte{10, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 1, 0})
		w.Write(bencodeResponse(t, map[string]interface{}{
			"interval":   int64(1800),
			"complete":   int64(3),
			"incomplete": int64(7),
			"peers":      peers,
		}))
	}))
	defer srv.Close()

	c := clientFixture([][]string{{srv.URL + "/announce"}})

	h := core.InfoHashFixture()
	resp, err := c.Announce(&Request{
		InfoHash:   h,
		Uploaded:   1,
		Downloaded: 2,
		Left:       3,
		Event:      Started,
		NumWant:    30,
	})
	require.NoError(err)

	require.Equal(30*time.Minute, resp.Interval)
	require.Equal(3, resp.Complete)
	require.Equal(7, resp.Incomplete)
	require.Equal([]*core.PeerInfo{
		core.NewPeerInfo("10.0.0.1", 6881),
		core.NewPeerInfo("10.0.0.2", 256),
	}, resp.Peers)

	require.Equal([]string{string(h.Bytes())}, query["info_hash"])
	require.Equal([]string{"1"}, query["compact"])
	require.Equal([]string{"0"}, query["no_peer_id"])
	require.Equal([]string{"started"}, query["event"])
	require.Equal([]string{"30"}, query["numwant"])
	require.Equal([]string{"6881"}, query["port"])
	require.Equal([]string{"1"}, query["uploaded"])
	require.Equal([]string{"2"}, query["downloaded"])
	require.Equal([]string{"3"}, query["left"])
}

func TestAnnounceParsesPeerDicts(t *testing.T) {
	require := require.New(t)

	peerID := core.PeerIDFixture()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencodeResponse(t, map[string]interface{}{
			"interval": int64(60),
			"peers": []interface{}{
				map[string]interface{}{
					"peer id": string(peerID.Bytes()),
					"ip":      "10.0.0.1",
					"port":    int64(6881),
				},
				map[string]interface{}{
					"ip":   "10.0.0.2",
					"port": int64(6882),
				},
			},
		}))
	}))
	defer srv.Close()

	c := clientFixture([][]string{{srv.URL + "/announce"}})

	resp, err := c.Announce(&Request{InfoHash: core.InfoHashFixture()})
	require.NoError(err)
	require.Equal([]*core.PeerInfo{
		core.NewPeerInfoWithID(peerID, "10.0.0.1", 6881),
		core.NewPeerInfo("10.0.0.2", 6882),
	}, resp.Peers)
}

func TestAnnounceTierFailoverAndPromotion(t *testing.T) {
	require := require.New(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencodeResponse(t, map[string]interface{}{"interval": int64(60)}))
	}))
	defer good.Close()

	c := clientFixture([][]string{{bad.URL, good.URL}})

	_, err := c.Announce(&Request{InfoHash: core.InfoHashFixture()})
	require.NoError(err)

	// The working URL was promoted to the head of its tier.
	require.Equal([]string{good.URL, bad.URL}, c.tiers[0])
}

func TestAnnounceFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencodeResponse(t, map[string]interface{}{
			"failure reason": "unregistered torrent",
		}))
	}))
	defer srv.Close()

	c := clientFixture([][]string{{srv.URL}})

	_, err := c.Announce(&Request{InfoHash: core.InfoHashFixture()})
	require.Error(err)
	all, ok := err.(AllTrackersFailedError)
	require.True(ok)
	require.Equal(FailureError{"unregistered torrent"}, all.LastErr)
}

func TestAnnounceAllTrackersFailed(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := clientFixture([][]string{{srv.URL}, {srv.URL + "/other"}})

	_, err := c.Announce(&Request{InfoHash: core.InfoHashFixture()})
	require.Error(err)
	require.IsType(AllTrackersFailedError{}, err)
}
