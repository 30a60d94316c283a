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
	"bytes"
	"crypto/sha1"
	"encoding/hex"
)

// PieceHash is the 20-byte SHA1 sum of a piece's content.
type PieceHash [20]byte

// HashPiece computes the PieceHash of b.
func HashPiece(b []byte) PieceHash {
	return PieceHash(sha1.Sum(b))
}

// Matches returns whether b hashes to h.
func (h PieceHash) Matches(b []byte) bool {
	sum := sha1.Sum(b)
	return bytes.Equal(sum[:], h[:])
}

// Hex converts h into a hexadecimal string.
func (h PieceHash) Hex() string {
	return hex.EncodeToString(h[:])
}

// SplitPieceHashes splits the concatenated 20-byte hash blob of an info
// dictionary's "pieces" value. Returns false if b is not a multiple of 20
// bytes.
func SplitPieceHashes(b []byte) ([]PieceHash, bool) {
	if len(b)%20 != 0 {
		return nil, false
	}
	hashes := make([]PieceHash, len(b)/20)
	for i := range hashes {
		copy(hashes[i][:], b[i*20:(i+1)*20])
	}
	return hashes, true
}
