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
	"crypto/rand"
	"encoding/hex"
)

// AnnounceKey is an 8-byte value identifying this client instance to
// trackers across address changes.
type AnnounceKey [8]byte

// RandomAnnounceKey returns a randomly generated AnnounceKey.
func RandomAnnounceKey() (AnnounceKey, error) {
	var k AnnounceKey
	_, err := rand.Read(k[:])
	return k, err
}

// Bytes converts k to raw bytes.
func (k AnnounceKey) Bytes() []byte {
	return k[:]
}

func (k AnnounceKey) String() string {
	return hex.EncodeToString(k[:])
}
