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
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/uber/angler/core"

	"github.com/cenkalti/backoff"
	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"
)

// Event is the lifecycle event reported on an announce.
type Event string

// Announce events.
const (
	None      Event = ""
	Started   Event = "started"
	Completed Event = "completed"
	Stopped   Event = "stopped"
)

// FailureError is returned when the tracker responds with a failure reason.
type FailureError struct {
	Reason string
}

func (e FailureError) Error() string {
	return fmt.Sprintf("tracker failure: %s", e.Reason)
}

// AllTrackersFailedError is returned when every URL of every tier failed for
// one announce round.
type AllTrackersFailedError struct {
	LastErr error
}

func (e AllTrackersFailedError) Error() string {
	return fmt.Sprintf("all trackers failed, last error: %s", e.LastErr)
}

// Request defines an announce request.
type Request struct {
	InfoHash   core.InfoHash
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event

	// NumWant is how many peers are asked of the tracker. Zero tells the
	// tracker no handout is needed this round.
	NumWant int
}

// Response defines a decoded announce response.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	Peers       []*core.PeerInfo
}

// Client announces a torrent to its trackers and decodes peer handouts.
type Client interface {
	Announce(req *Request) (*Response, error)
}

type client struct {
	config Config
	peerID core.PeerID
	port   int
	key    core.AnnounceKey

	// tiers is this client's private copy of the metainfo announce tiers.
	// A successful URL is promoted to the head of its tier.
	tiers [][]string

	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// New creates a new Client announcing to tiers on behalf of the local peer.
func New(
	config Config,
	peerID core.PeerID,
	port int,
	key core.AnnounceKey,
	tiers [][]string,
	logger *zap.SugaredLogger) Client {

	config = config.applyDefaults()

	tiersCopy := make([][]string, len(tiers))
	for i, tier := range tiers {
		tiersCopy[i] = append([]string{}, tier...)
	}

	return &client{
		config:     config,
		peerID:     peerID,
		port:       port,
		key:        key,
		tiers:      tiersCopy,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Announce walks the announce tiers in order until one URL yields a
// well-formed response. The successful URL is moved to the head of its tier
// so it is preferred on subsequent announces.
func (c *client) Announce(req *Request) (*Response, error) {
	var lastErr error
	for _, tier := range c.tiers {
		for i, u := range tier {
			resp, err := c.announce(u, req)
			if err != nil {
				c.logger.With("url", u, "hash", req.InfoHash).Warnf("Announce failed: %s", err)
				lastErr = err
				continue
			}
			if i > 0 {
				copy(tier[1:i+1], tier[:i])
				tier[0] = u
			}
			return resp, nil
		}
	}
	return nil, AllTrackersFailedError{lastErr}
}

func (c *client) announce(trackerURL string, req *Request) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %s", err)
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(c.peerID.Bytes()))
	q.Set("port", strconv.Itoa(c.port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("key", string(c.key.Bytes()))
	q.Set("compact", "1")
	q.Set("no_peer_id", "0")
	if req.Event != None {
		q.Set("event", string(req.Event))
	}
	q.Set("numwant", strconv.Itoa(req.NumWant))
	u.RawQuery = q.Encode()

	var body []byte
	operation := func() error {
		httpResp, err := c.httpClient.Get(u.String())
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode != http.StatusOK {
			// Non-200s are not retried; the next URL in the tier is tried.
			return backoff.Permanent(fmt.Errorf("status %d", httpResp.StatusCode))
		}
		body, err = ioutil.ReadAll(httpResp.Body)
		return err
	}
	b := backoff.WithMaxRetries(c.retryPolicy(), c.config.MaxRetries)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return parseResponse(body)
}

func (c *client) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInterval
	b.MaxElapsedTime = c.config.Timeout
	return b
}

func parseResponse(body []byte) (*Response, error) {
	v, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("response is not a dictionary")
	}
	if reason, ok := d["failure reason"].(string); ok {
		return nil, FailureError{reason}
	}
	interval, ok := d["interval"].(int64)
	if !ok {
		return nil, fmt.Errorf("response missing interval")
	}
	resp := &Response{Interval: time.Duration(interval) * time.Second}
	if minInterval, ok := d["min interval"].(int64); ok {
		resp.MinInterval = time.Duration(minInterval) * time.Second
	}
	if complete, ok := d["complete"].(int64); ok {
		resp.Complete = int(complete)
	}
	if incomplete, ok := d["incomplete"].(int64); ok {
		resp.Incomplete = int(incomplete)
	}
	peers, err := parsePeers(d["peers"])
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

// parsePeers decodes both handout forms: the compact 6-byte-per-peer blob
// and the dictionary list.
func parsePeers(v interface{}) ([]*core.PeerInfo, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil
	case string:
		if len(peers)%6 != 0 {
			return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(peers))
		}
		var result []*core.PeerInfo
		for i := 0; i < len(peers); i += 6 {
			entry := []byte(peers[i : i+6])
			ip := net.IP(entry[:4]).String()
			port := int(binary.BigEndian.Uint16(entry[4:]))
			result = append(result, core.NewPeerInfo(ip, port))
		}
		return result, nil
	case []interface{}:
		var result []*core.PeerInfo
		for _, rp := range peers {
			pd, ok := rp.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer entry is not a dictionary")
			}
			ip, ok := pd["ip"].(string)
			if !ok {
				return nil, fmt.Errorf("peer entry missing ip")
			}
			port, ok := pd["port"].(int64)
			if !ok {
				return nil, fmt.Errorf("peer entry missing port")
			}
			if rawID, ok := pd["peer id"].(string); ok {
				peerID, err := core.NewPeerIDFromRaw([]byte(rawID))
				if err != nil {
					return nil, fmt.Errorf("peer id: %s", err)
				}
				result = append(result, core.NewPeerInfoWithID(peerID, ip, int(port)))
			} else {
				result = append(result, core.NewPeerInfo(ip, int(port)))
			}
		}
		return result, nil
	}
	return nil, fmt.Errorf("unrecognized peers type %T", v)
}
