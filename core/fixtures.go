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
	"fmt"
	"math/rand"
)

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	var h InfoHash
	rand.Read(h[:])
	return h
}

// PeerInfoFixture returns a randomly generated PeerInfo.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfoWithID(
		PeerIDFixture(),
		fmt.Sprintf("10.12.14.%d", rand.Intn(256)),
		rand.Intn(65536))
}

// AnnounceKeyFixture returns a randomly generated AnnounceKey.
func AnnounceKeyFixture() AnnounceKey {
	k, err := RandomAnnounceKey()
	if err != nil {
		panic(err)
	}
	return k
}

// FileFixture pairs a file path with its content for metainfo fixtures.
type FileFixture struct {
	Path    string
	Content []byte
}

// SingleFileMetaInfoFixture returns a MetaInfo for a single file torrent over
// content, with piece hashes computed from the actual bytes.
func SingleFileMetaInfoFixture(name string, content []byte, pieceLength int64) *MetaInfo {
	mi, err := NewMetaInfo(
		name,
		pieceLength,
		[]FileInfo{{Path: name, Length: int64(len(content))}},
		hashPieces(content, pieceLength),
		[][]string{{"http://localhost:14000/announce"}})
	if err != nil {
		panic(err)
	}
	return mi
}

// MultiFileMetaInfoFixture returns a MetaInfo over the given file set, with
// piece hashes computed over the concatenated contents.
func MultiFileMetaInfoFixture(name string, pieceLength int64, files []FileFixture) *MetaInfo {
	var blob []byte
	var infos []FileInfo
	for _, f := range files {
		blob = append(blob, f.Content...)
		infos = append(infos, FileInfo{
			Path:   fmt.Sprintf("%s/%s", name, f.Path),
			Length: int64(len(f.Content)),
		})
	}
	mi, err := NewMetaInfo(
		name,
		pieceLength,
		infos,
		hashPieces(blob, pieceLength),
		[][]string{{"http://localhost:14000/announce"}})
	if err != nil {
		panic(err)
	}
	return mi
}

// PieceHashesFixture computes the piece hash table of blob.
func PieceHashesFixture(blob []byte, pieceLength int64) []PieceHash {
	return hashPieces(blob, pieceLength)
}

func hashPieces(blob []byte, pieceLength int64) []PieceHash {
	var hashes []PieceHash
	for start := int64(0); start < int64(len(blob)); start += pieceLength {
		end := start + pieceLength
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		hashes = append(hashes, HashPiece(blob[start:end]))
	}
	return hashes
}
