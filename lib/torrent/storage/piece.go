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
package storage

import (
	"sync"

	"github.com/uber/angler/core"

	"github.com/willf/bitset"
)

type pieceStatus int

// A piece advances _empty -> _full -> _verified -> _saved, except that a
// failed verification resets it to _empty with its buffer dropped.
const (
	_empty pieceStatus = iota
	_full
	_verified
	_saved
)

func (s pieceStatus) String() string {
	switch s {
	case _empty:
		return "empty"
	case _full:
		return "full"
	case _verified:
		return "verified"
	case _saved:
		return "saved"
	}
	return "unknown"
}

// piece buffers one piece of a torrent while its blocks arrive off the wire.
// All operations are serialized by the piece mutex; the dispatcher's
// one-holder policy means contention is rare.
type piece struct {
	sync.Mutex
	status  pieceStatus
	length  int64
	hash    core.PieceHash
	buffer  []byte
	written *bitset.BitSet // byte-granular coverage of buffer
}

func newPiece(hash core.PieceHash, length int64) *piece {
	return &piece{status: _empty, length: length, hash: hash}
}

func (p *piece) getStatus() pieceStatus {
	p.Lock()
	defer p.Unlock()
	return p.status
}

func (p *piece) saved() bool {
	return p.getStatus() == _saved
}

// write copies b into the piece buffer at offset. Overlapping writes are
// idempotent. Returns true once every byte of the piece has been written,
// at which point the piece is full.
func (p *piece) write(offset int64, b []byte) (full bool, err error) {
	p.Lock()
	defer p.Unlock()

	if p.status != _empty {
		if p.status == _saved {
			return false, ErrPieceComplete
		}
		return false, errPieceNotWritable
	}
	if offset < 0 || offset+int64(len(b)) > p.length {
		return false, errBlockOutOfBounds
	}
	if p.buffer == nil {
		p.buffer = make([]byte, p.length)
		p.written = bitset.New(uint(p.length))
	}
	copy(p.buffer[offset:], b)
	for i := offset; i < offset+int64(len(b)); i++ {
		p.written.Set(uint(i))
	}
	if int64(p.written.Count()) == p.length {
		p.status = _full
		return true, nil
	}
	return false, nil
}

// verify hashes the full buffer against the expected sum. On a match the
// piece becomes verified; on a mismatch the buffer is dropped wholesale and
// the piece resets to empty so it may be fetched again.
func (p *piece) verify() (bool, error) {
	p.Lock()
	defer p.Unlock()

	if p.status != _full {
		return false, errPieceNotFull
	}
	if p.hash.Matches(p.buffer) {
		p.status = _verified
		return true, nil
	}
	p.buffer = nil
	p.written = nil
	p.status = _empty
	return false, nil
}

// bytes returns the verified buffer for saving.
func (p *piece) bytes() ([]byte, error) {
	p.Lock()
	defer p.Unlock()

	if p.status != _verified {
		return nil, errPieceNotVerified
	}
	return p.buffer, nil
}

// markSaved releases the buffer. Must only be called once the verified bytes
// are durably on disk; a failed save leaves the piece verified for retry.
func (p *piece) markSaved() error {
	p.Lock()
	defer p.Unlock()

	if p.status != _verified {
		return errPieceNotVerified
	}
	p.buffer = nil
	p.written = nil
	p.status = _saved
	return nil
}
