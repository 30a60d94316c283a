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
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uber/angler/core"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

// Torrent buffers incoming blocks, verifies assembled pieces against their
// expected hashes, and persists verified pieces into the torrent's file set.
// Concurrent writes on distinct pieces are allowed; writes on the same piece
// are expected to be serialized by the caller's piece-hold bookkeeping.
type Torrent struct {
	config     Config
	mi         *core.MetaInfo
	pieces     []*piece
	numSaved   *atomic.Int32
	downloaded *atomic.Int64
	uploaded   *atomic.Int64
}

// fileRegion addresses a byte range of one file of the file set.
type fileRegion struct {
	path   string
	offset int64 // into the file
	start  int64 // into the piece buffer
	length int64
}

// NewTorrent creates a new Torrent rooted at config.DownloadDir. Parent
// directories for the whole file set are created eagerly so that piece saves
// only ever open, seek, and write.
func NewTorrent(config Config, mi *core.MetaInfo) (*Torrent, error) {
	config = config.applyDefaults()

	pieces := make([]*piece, mi.NumPieces())
	for i := range pieces {
		pieces[i] = newPiece(mi.GetPieceHash(i), mi.GetPieceLength(i))
	}

	for _, f := range mi.Files() {
		dir := filepath.Dir(filepath.Join(config.DownloadDir, f.Path))
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("mkdir %s: %s", dir, err)
		}
	}

	return &Torrent{
		config:     config,
		mi:         mi,
		pieces:     pieces,
		numSaved:   atomic.NewInt32(0),
		downloaded: atomic.NewInt64(0),
		uploaded:   atomic.NewInt64(0),
	}, nil
}

// InfoHash returns the torrent metainfo hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.mi.InfoHash()
}

// Name returns the torrent name.
func (t *Torrent) Name() string {
	return t.mi.Name()
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the total length of the torrent's file set.
func (t *Torrent) Length() int64 {
	return t.mi.Length()
}

// PieceLength returns the length of piece i.
func (t *Torrent) PieceLength(i int) int64 {
	return t.mi.GetPieceLength(i)
}

// MaxPieceLength returns the longest piece length of the torrent.
func (t *Torrent) MaxPieceLength() int64 {
	return t.PieceLength(0)
}

// Complete returns true if every piece has been saved.
func (t *Torrent) Complete() bool {
	return int(t.numSaved.Load()) == len(t.pieces)
}

// BytesLeft returns the number of bytes not yet saved.
func (t *Torrent) BytesLeft() int64 {
	left := t.mi.Length()
	for i, p := range t.pieces {
		if p.saved() {
			left -= t.mi.GetPieceLength(i)
		}
	}
	return left
}

// Downloaded returns the total number of payload bytes received over the
// wire, including bytes for pieces which later failed verification.
func (t *Torrent) Downloaded() int64 {
	return t.downloaded.Load()
}

// Uploaded returns the total number of payload bytes sent over the wire.
func (t *Torrent) Uploaded() int64 {
	return t.uploaded.Load()
}

// HasPiece returns true if piece i has been saved.
func (t *Torrent) HasPiece(i int) bool {
	return t.pieces[i].saved()
}

// Bitfield returns the bitfield of saved pieces.
func (t *Torrent) Bitfield() *bitset.BitSet {
	bf := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.saved() {
			bf.Set(uint(i))
		}
	}
	return bf
}

func (t *Torrent) String() string {
	downloaded := 0
	if t.mi.Length() > 0 {
		downloaded = int(float64(t.mi.Length()-t.BytesLeft()) / float64(t.mi.Length()) * 100)
	}
	return fmt.Sprintf(
		"torrent(name=%s, hash=%s, downloaded=%d%%)",
		t.Name(), t.InfoHash().Hex(), downloaded)
}

func (t *Torrent) getPiece(i int) (*piece, error) {
	if i < 0 || i >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", i, len(t.pieces))
	}
	return t.pieces[i], nil
}

// WriteBlock routes a received block into piece i. When the block completes
// the piece, the piece is verified and, on success, saved into the file set.
// Returns true once piece i transitions to saved.
//
// A hash mismatch resets the piece and surfaces ErrPieceHashMismatch; the
// caller should re-request the piece. A disk error leaves the piece verified
// in memory, and the save is retried on the next block routed to it.
func (t *Torrent) WriteBlock(i int, offset int64, b []byte) (saved bool, err error) {
	p, err := t.getPiece(i)
	if err != nil {
		return false, err
	}
	t.downloaded.Add(int64(len(b)))

	if p.getStatus() == _verified {
		// A previous save failed. Retry before accepting more data.
		if err := t.savePiece(p, i); err != nil {
			return false, err
		}
		return true, nil
	}

	full, err := p.write(offset, b)
	if err != nil {
		return false, err
	}
	if !full {
		return false, nil
	}
	ok, err := p.verify()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrPieceHashMismatch
	}
	if err := t.savePiece(p, i); err != nil {
		return false, err
	}
	return true, nil
}

// savePiece writes the verified buffer of piece i across the file regions it
// maps onto, then releases the buffer.
func (t *Torrent) savePiece(p *piece, i int) error {
	buf, err := p.bytes()
	if err != nil {
		return err
	}
	for _, r := range t.regions(i) {
		if err := t.writeRegion(r, buf); err != nil {
			return fmt.Errorf("write region %s: %s", r.path, err)
		}
	}
	if err := p.markSaved(); err != nil {
		return err
	}
	t.numSaved.Inc()
	return nil
}

// regions resolves piece i onto the file table. A piece which straddles a
// file boundary yields one region per file it touches.
func (t *Torrent) regions(i int) []fileRegion {
	var regions []fileRegion

	pieceStart := int64(i) * t.mi.PieceLength()
	pieceEnd := pieceStart + t.mi.GetPieceLength(i)

	var fileStart int64
	for _, f := range t.mi.Files() {
		fileEnd := fileStart + f.Length
		if fileStart < pieceEnd && pieceStart < fileEnd {
			start := max64(pieceStart, fileStart)
			end := min64(pieceEnd, fileEnd)
			regions = append(regions, fileRegion{
				path:   filepath.Join(t.config.DownloadDir, f.Path),
				offset: start - fileStart,
				start:  start - pieceStart,
				length: end - start,
			})
		}
		fileStart = fileEnd
	}
	return regions
}

func (t *Torrent) writeRegion(r fileRegion, buf []byte) error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, 0); err != nil {
		return fmt.Errorf("seek: %s", err)
	}
	w := bufio.NewWriterSize(f, int(t.config.WriteBufferSize.Bytes()))
	if _, err := w.Write(buf[r.start : r.start+r.length]); err != nil {
		return fmt.Errorf("write: %s", err)
	}
	return w.Flush()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
