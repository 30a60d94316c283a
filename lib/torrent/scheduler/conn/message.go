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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/uber/angler/utils/memsize"

	"github.com/willf/bitset"
)

// Maximum supported frame size, including id and payload. Bounds the block
// size a remote peer may push at us.
const maxMessageSize = 64 * memsize.KB

// MessageID enumerates the framed peer wire message types.
type MessageID uint8

// Message ids per the peer wire protocol.
const (
	IDChoke MessageID = iota
	IDUnchoke
	IDInterested
	IDNotInterested
	IDHave
	IDBitfield
	IDRequest
	IDPiece
	IDCancel
	IDPort
)

func (id MessageID) String() string {
	switch id {
	case IDChoke:
		return "choke"
	case IDUnchoke:
		return "unchoke"
	case IDInterested:
		return "interested"
	case IDNotInterested:
		return "not_interested"
	case IDHave:
		return "have"
	case IDBitfield:
		return "bitfield"
	case IDRequest:
		return "request"
	case IDPiece:
		return "piece"
	case IDCancel:
		return "cancel"
	case IDPort:
		return "port"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one framed peer wire message. The concrete type is one of the
// eleven variants below; receivers dispatch with a type switch.
type Message interface {
	fmt.Stringer
}

// KeepAliveMessage is a zero-length frame carrying no id.
type KeepAliveMessage struct{}

func (m KeepAliveMessage) String() string { return "keep_alive" }

// ChokeMessage tells the receiver its requests will no longer be honored.
type ChokeMessage struct{}

func (m ChokeMessage) String() string { return "choke" }

// UnchokeMessage lifts a previous choke.
type UnchokeMessage struct{}

func (m UnchokeMessage) String() string { return "unchoke" }

// InterestedMessage signals intent to request pieces.
type InterestedMessage struct{}

func (m InterestedMessage) String() string { return "interested" }

// NotInterestedMessage signals nothing further will be requested.
type NotInterestedMessage struct{}

func (m NotInterestedMessage) String() string { return "not_interested" }

// HaveMessage announces possession of a single piece.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) String() string { return fmt.Sprintf("have(%d)", m.Index) }

// BitfieldMessage carries the sender's piece possession in wire form: packed
// bits, piece 0 at the high bit of byte 0.
type BitfieldMessage struct {
	Bits []byte
}

func (m BitfieldMessage) String() string { return fmt.Sprintf("bitfield(%d bytes)", len(m.Bits)) }

// RequestMessage asks for a block of a piece.
type RequestMessage struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (m RequestMessage) String() string {
	return fmt.Sprintf("request(%d, %d, %d)", m.Index, m.Begin, m.Length)
}

// PieceMessage delivers a block of a piece.
type PieceMessage struct {
	Index uint32
	Begin uint32
	Data  []byte
}

func (m PieceMessage) String() string {
	return fmt.Sprintf("piece(%d, %d, %d bytes)", m.Index, m.Begin, len(m.Data))
}

// CancelMessage withdraws a previous request.
type CancelMessage struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (m CancelMessage) String() string {
	return fmt.Sprintf("cancel(%d, %d, %d)", m.Index, m.Begin, m.Length)
}

// PortMessage advertises a DHT listen port. Accepted and ignored.
type PortMessage struct {
	Port uint16
}

func (m PortMessage) String() string { return fmt.Sprintf("port(%d)", m.Port) }

// NewBitfieldMessage packs b into wire form for a torrent of numPieces.
func NewBitfieldMessage(numPieces int, b *bitset.BitSet) BitfieldMessage {
	bits := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if b.Test(uint(i)) {
			bits[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return BitfieldMessage{Bits: bits}
}

// Bitset unpacks the wire bits into a bitset of numPieces bits. Returns an
// error if the payload is too short for the torrent, or if any spare bit
// past numPieces is set.
func (m BitfieldMessage) Bitset(numPieces int) (*bitset.BitSet, error) {
	if len(m.Bits)*8 < numPieces {
		return nil, fmt.Errorf(
			"bitfield too short: %d bits for %d pieces", len(m.Bits)*8, numPieces)
	}
	b := bitset.New(uint(numPieces))
	for i := 0; i < len(m.Bits)*8; i++ {
		if m.Bits[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, fmt.Errorf("spare bit %d set", i)
		}
		b.Set(uint(i))
	}
	return b, nil
}

// EncodeMessage writes m to w as a single length-prefixed frame.
func EncodeMessage(w io.Writer, m Message) error {
	var body []byte
	switch v := m.(type) {
	case KeepAliveMessage:
		body = nil
	case ChokeMessage:
		body = []byte{byte(IDChoke)}
	case UnchokeMessage:
		body = []byte{byte(IDUnchoke)}
	case InterestedMessage:
		body = []byte{byte(IDInterested)}
	case NotInterestedMessage:
		body = []byte{byte(IDNotInterested)}
	case HaveMessage:
		body = make([]byte, 5)
		body[0] = byte(IDHave)
		binary.BigEndian.PutUint32(body[1:], v.Index)
	case BitfieldMessage:
		body = append([]byte{byte(IDBitfield)}, v.Bits...)
	case RequestMessage:
		body = encodeBlockHeader(byte(IDRequest), v.Index, v.Begin, v.Length)
	case PieceMessage:
		body = make([]byte, 9+len(v.Data))
		body[0] = byte(IDPiece)
		binary.BigEndian.PutUint32(body[1:], v.Index)
		binary.BigEndian.PutUint32(body[5:], v.Begin)
		copy(body[9:], v.Data)
	case CancelMessage:
		body = encodeBlockHeader(byte(IDCancel), v.Index, v.Begin, v.Length)
	case PortMessage:
		body = make([]byte, 3)
		body[0] = byte(IDPort)
		binary.BigEndian.PutUint16(body[1:], v.Port)
	default:
		return fmt.Errorf("unsupported message type %T", m)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

func encodeBlockHeader(id byte, index, begin, length uint32) []byte {
	b := make([]byte, 13)
	b[0] = id
	binary.BigEndian.PutUint32(b[1:], index)
	binary.BigEndian.PutUint32(b[5:], begin)
	binary.BigEndian.PutUint32(b[9:], length)
	return b
}

// DecodeMessage reads one length-prefixed frame off r, buffering across
// partial reads. io.EOF is returned only on a clean frame boundary; EOF
// mid-frame surfaces as an error whose text reports an unexpected EOF.
func DecodeMessage(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read frame length: %s", err)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	return decodeBody(r, length)
}

// decodeBody reads and decodes the id and payload of a frame whose length
// prefix has already been consumed.
func decodeBody(r io.Reader, length uint32) (Message, error) {
	if length == 0 {
		return KeepAliveMessage{}, nil
	}
	if uint64(length) > maxMessageSize {
		return nil, fmt.Errorf("frame exceeds max size: %d > %d", length, maxMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %s", err)
	}
	id := MessageID(body[0])
	payload := body[1:]
	switch id {
	case IDChoke, IDUnchoke, IDInterested, IDNotInterested:
		if len(payload) != 0 {
			return nil, badLength(id, length)
		}
		switch id {
		case IDChoke:
			return ChokeMessage{}, nil
		case IDUnchoke:
			return UnchokeMessage{}, nil
		case IDInterested:
			return InterestedMessage{}, nil
		default:
			return NotInterestedMessage{}, nil
		}
	case IDHave:
		if len(payload) != 4 {
			return nil, badLength(id, length)
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case IDBitfield:
		return BitfieldMessage{Bits: payload}, nil
	case IDRequest:
		if len(payload) != 12 {
			return nil, badLength(id, length)
		}
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(payload),
			Begin:  binary.BigEndian.Uint32(payload[4:]),
			Length: binary.BigEndian.Uint32(payload[8:]),
		}, nil
	case IDPiece:
		if len(payload) < 8 {
			return nil, badLength(id, length)
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload),
			Begin: binary.BigEndian.Uint32(payload[4:]),
			Data:  payload[8:],
		}, nil
	case IDCancel:
		if len(payload) != 12 {
			return nil, badLength(id, length)
		}
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(payload),
			Begin:  binary.BigEndian.Uint32(payload[4:]),
			Length: binary.BigEndian.Uint32(payload[8:]),
		}, nil
	case IDPort:
		if len(payload) != 2 {
			return nil, badLength(id, length)
		}
		return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
	}
	return nil, fmt.Errorf("unknown message id %d", uint8(id))
}

func badLength(id MessageID, length uint32) error {
	return fmt.Errorf("bad %s frame length %d", id, length)
}
