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
package dispatch

import (
	"sync"

	"github.com/willf/bitset"
)

// syncBitfield is a thread-safe bitfield.
type syncBitfield struct {
	mu sync.RWMutex
	b  *bitset.BitSet
}

func newSyncBitfield(b *bitset.BitSet) *syncBitfield {
	return &syncBitfield{b: b.Clone()}
}

// Has returns whether bit i is set.
func (s *syncBitfield) Has(i uint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.Test(i)
}

// Set sets bit i.
func (s *syncBitfield) Set(i uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Set(i)
}

// Replace swaps in b and returns the previous bitfield.
func (s *syncBitfield) Replace(b *bitset.BitSet) *bitset.BitSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.b
	s.b = b.Clone()
	return prev
}

// Copy returns a copy of the bitfield.
func (s *syncBitfield) Copy() *bitset.BitSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.Clone()
}
