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
	"fmt"
	"io"

	"github.com/uber/angler/core"
)

// protocolName is the pstr every handshake opens with.
const protocolName = "BitTorrent protocol"

// HandshakeLength is the full length of a handshake frame:
// pstrlen, pstr, 8 reserved bytes, info hash, peer id.
const HandshakeLength = 1 + len(protocolName) + 8 + 20 + 20

// Handshake is the fixed-format opening frame of every connection. The
// reserved bytes are always sent as zero; received reserved bytes are
// ignored since no extensions are supported.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

func (h *Handshake) String() string {
	return fmt.Sprintf("handshake(hash=%s, peer=%s)", h.InfoHash, h.PeerID)
}

// Encode writes h to w as a single 68-byte frame.
func (h *Handshake) Encode(w io.Writer) error {
	b := make([]byte, 0, HandshakeLength)
	b = append(b, byte(len(protocolName)))
	b = append(b, protocolName...)
	b = append(b, make([]byte, 8)...)
	b = append(b, h.InfoHash.Bytes()...)
	b = append(b, h.PeerID.Bytes()...)
	_, err := w.Write(b)
	return err
}

// ReadHandshake decodes a handshake off r. Rejects unknown protocol strings
// and truncated frames.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return nil, fmt.Errorf("read pstrlen: %s", err)
	}
	if int(pstrlen[0]) != len(protocolName) {
		return nil, fmt.Errorf("unexpected pstrlen %d", pstrlen[0])
	}
	rest := make([]byte, int(pstrlen[0])+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if string(rest[:pstrlen[0]]) != protocolName {
		return nil, fmt.Errorf("unknown protocol %q", rest[:pstrlen[0]])
	}
	rest = rest[int(pstrlen[0])+8:]
	infoHash, err := core.NewInfoHashFromRaw(rest[:20])
	if err != nil {
		return nil, fmt.Errorf("info hash: %s", err)
	}
	peerID, err := core.NewPeerIDFromRaw(rest[20:])
	if err != nil {
		return nil, fmt.Errorf("peer id: %s", err)
	}
	return &Handshake{InfoHash: infoHash, PeerID: peerID}, nil
}
