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
package core

import (
	"net"
	"strconv"
)

// PeerInfo defines a peer endpoint within a swarm. Two PeerInfos refer to
// the same peer iff their addresses are equal; the peer id is advisory since
// trackers may omit it in compact responses.
type PeerInfo struct {
	PeerID PeerID `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`

	// HasPeerID marks whether PeerID was present in the tracker handout.
	HasPeerID bool `json:"has_peer_id"`
}

// NewPeerInfo creates a new PeerInfo identified by address only.
func NewPeerInfo(ip string, port int) *PeerInfo {
	return &PeerInfo{IP: ip, Port: port}
}

// NewPeerInfoWithID creates a new PeerInfo carrying a tracker-supplied peer id.
func NewPeerInfoWithID(peerID PeerID, ip string, port int) *PeerInfo {
	return &PeerInfo{PeerID: peerID, IP: ip, Port: port, HasPeerID: true}
}

// Addr returns the dialable "ip:port" address of p, which is also its
// identity within a swarm.
func (p *PeerInfo) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

func (p *PeerInfo) String() string {
	return p.Addr()
}
