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
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/uber/angler/core"

	"github.com/stretchr/testify/require"
)

func TestTorrentPieceLifecycle(t *testing.T) {
	require := require.New(t)

	// Two pieces: piece 0 is 16 bytes, piece 1 is the 8 byte remainder.
	content := []byte("0123456789abcdefGHIJKLMN")
	mi := core.SingleFileMetaInfoFixture("blob.bin", content, 16)
	require.Equal(2, mi.NumPieces())
	require.Equal(int64(8), mi.GetPieceLength(1))

	tor, cleanup := TorrentFixture(mi)
	defer cleanup()

	// Deliver piece 0 in two 8-byte blocks.
	saved, err := tor.WriteBlock(0, 0, content[:8])
	require.NoError(err)
	require.False(saved)
	require.False(tor.HasPiece(0))

	saved, err = tor.WriteBlock(0, 8, content[8:16])
	require.NoError(err)
	require.True(saved)
	require.True(tor.HasPiece(0))

	b, err := ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "blob.bin"))
	require.NoError(err)
	require.Equal(content[:16], b)

	// Deliver piece 1 corrupted: it must reset to empty and nothing more may
	// be written to disk.
	corrupt := []byte("XXXXXXXX")
	saved, err = tor.WriteBlock(1, 0, corrupt)
	require.Equal(ErrPieceHashMismatch, err)
	require.False(saved)
	require.False(tor.HasPiece(1))

	b, err = ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "blob.bin"))
	require.NoError(err)
	require.Equal(content[:16], b)

	// The piece is re-requestable: delivering the true bytes completes the
	// torrent.
	saved, err = tor.WriteBlock(1, 0, content[16:])
	require.NoError(err)
	require.True(saved)
	require.True(tor.Complete())
	require.Equal(int64(0), tor.BytesLeft())

	b, err = ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "blob.bin"))
	require.NoError(err)
	require.Equal(content, b)

	// Downloaded counts every payload byte, including the corrupted block.
	require.Equal(int64(len(content)+len(corrupt)), tor.Downloaded())
}

func TestTorrentOverlappingWritesAreIdempotent(t *testing.T) {
	require := require.New(t)

	content := []byte("0123456789abcdef")
	mi := core.SingleFileMetaInfoFixture("blob.bin", content, 16)
	tor, cleanup := TorrentFixture(mi)
	defer cleanup()

	saved, err := tor.WriteBlock(0, 0, content[:12])
	require.NoError(err)
	require.False(saved)

	// Overlaps [8, 12).
	saved, err = tor.WriteBlock(0, 8, content[8:])
	require.NoError(err)
	require.True(saved)

	b, err := ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "blob.bin"))
	require.NoError(err)
	require.Equal(content, b)
}

func TestTorrentStraddlingPieceSplitsAcrossFiles(t *testing.T) {
	require := require.New(t)

	// 16-byte pieces over a 24-byte file followed by an 8-byte file: piece 1
	// covers the tail of the first file and the whole second file.
	fileA := []byte("aaaaaaaaaaaaaaaaaaaaAAAA")
	fileB := []byte("bbbbbbbb")
	mi := core.MultiFileMetaInfoFixture("dir", 16, []core.FileFixture{
		{Path: "a.bin", Content: fileA},
		{Path: "b.bin", Content: fileB},
	})
	require.Equal(2, mi.NumPieces())

	tor, cleanup := TorrentFixture(mi)
	defer cleanup()

	blob := append(append([]byte{}, fileA...), fileB...)

	saved, err := tor.WriteBlock(1, 0, blob[16:])
	require.NoError(err)
	require.True(saved)

	b, err := ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "dir", "a.bin"))
	require.NoError(err)
	require.Equal(fileA[16:], b[16:])

	b, err = ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "dir", "b.bin"))
	require.NoError(err)
	require.Equal(fileB, b)

	saved, err = tor.WriteBlock(0, 0, blob[:16])
	require.NoError(err)
	require.True(saved)
	require.True(tor.Complete())

	b, err = ioutil.ReadFile(filepath.Join(tor.config.DownloadDir, "dir", "a.bin"))
	require.NoError(err)
	require.Equal(fileA, b)
}

func TestTorrentBitfieldTracksSavedPieces(t *testing.T) {
	require := require.New(t)

	content := []byte("0123456789abcdefGHIJKLMN")
	mi := core.SingleFileMetaInfoFixture("blob.bin", content, 16)
	tor, cleanup := TorrentFixture(mi)
	defer cleanup()

	require.Equal(uint(0), tor.Bitfield().Count())

	saved, err := tor.WriteBlock(1, 0, content[16:])
	require.NoError(err)
	require.True(saved)

	bf := tor.Bitfield()
	require.False(bf.Test(0))
	require.True(bf.Test(1))
	require.Equal(int64(16), tor.BytesLeft())
}

func TestTorrentWriteBlockErrors(t *testing.T) {
	require := require.New(t)

	content := []byte("0123456789abcdef")
	mi := core.SingleFileMetaInfoFixture("blob.bin", content, 16)
	tor, cleanup := TorrentFixture(mi)
	defer cleanup()

	_, err := tor.WriteBlock(7, 0, content)
	require.Error(err)

	_, err = tor.WriteBlock(0, 12, content)
	require.Equal(errBlockOutOfBounds, err)

	saved, err := tor.WriteBlock(0, 0, content)
	require.NoError(err)
	require.True(saved)

	_, err = tor.WriteBlock(0, 0, content)
	require.Equal(ErrPieceComplete, err)
}

func TestTorrentSaveRetriesAfterDiskError(t *testing.T) {
	require := require.New(t)

	content := []byte("0123456789abcdef")
	mi := core.SingleFileMetaInfoFixture("blob.bin", content, 16)

	dir, err := ioutil.TempDir("", "torrent-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(Config{DownloadDir: dir}, mi)
	require.NoError(err)

	// Occupy the destination path with a directory so the save fails after
	// verification.
	target := filepath.Join(dir, "blob.bin")
	require.NoError(os.Mkdir(target, 0775))

	saved, err := tor.WriteBlock(0, 0, content)
	require.Error(err)
	require.False(saved)
	require.False(tor.HasPiece(0))

	// The piece stays verified in memory; the next routed block retries the
	// save without refetching.
	require.NoError(os.Remove(target))
	saved, err = tor.WriteBlock(0, 0, nil)
	require.NoError(err)
	require.True(saved)

	b, err := ioutil.ReadFile(target)
	require.NoError(err)
	require.Equal(content, b)
}

func TestTorrentStringIncludesProgress(t *testing.T) {
	content := bytes.Repeat([]byte{1}, 16)
	mi := core.SingleFileMetaInfoFixture("blob.bin", content, 16)
	tor, cleanup := TorrentFixture(mi)
	defer cleanup()
	require.Contains(t, tor.String(), "downloaded=0%")
}
