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
package syncutil

import "go.uber.org/atomic"

// Counters provides a list of thread-safe counters.
type Counters []*atomic.Int32

// NewCounters creates a new Counters of n counters, all initialized to zero.
func NewCounters(n int) Counters {
	c := make(Counters, n)
	for i := range c {
		c[i] = atomic.NewInt32(0)
	}
	return c
}

// Len returns the number of counters.
func (c Counters) Len() int {
	return len(c)
}

// Get returns the value of the ith counter.
func (c Counters) Get(i int) int {
	return int(c[i].Load())
}

// Set sets the value of the ith counter.
func (c Counters) Set(i, v int) {
	c[i].Store(int32(v))
}

// Increment increments the ith counter.
func (c Counters) Increment(i int) {
	c[i].Inc()
}

// Decrement decrements the ith counter.
func (c Counters) Decrement(i int) {
	c[i].Dec()
}
