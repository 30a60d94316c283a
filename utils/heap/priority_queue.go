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
package heap

import (
	"container/heap"
	"errors"
)

// Item is an entry of a PriorityQueue. Lower priorities are popped first.
type Item struct {
	Value    interface{}
	Priority int

	seq int
}

// PriorityQueue is a stable min-heap over Items: equal priorities pop in
// insertion order.
type PriorityQueue struct {
	h *itemHeap
}

// NewPriorityQueue creates a new PriorityQueue over the given items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	h := &itemHeap{}
	for _, item := range items {
		item.seq = h.nextSeq
		h.nextSeq++
		h.items = append(h.items, item)
	}
	heap.Init(h)
	return &PriorityQueue{h}
}

// Len returns the number of items in the queue.
func (q *PriorityQueue) Len() int {
	return q.h.Len()
}

// Push adds an item to the queue.
func (q *PriorityQueue) Push(item *Item) {
	item.seq = q.h.nextSeq
	q.h.nextSeq++
	heap.Push(q.h, item)
}

// Pop removes the lowest priority item from the queue. Returns an error if
// the queue is empty.
func (q *PriorityQueue) Pop() (*Item, error) {
	if q.h.Len() == 0 {
		return nil, errors.New("queue is empty")
	}
	return heap.Pop(q.h).(*Item), nil
}

type itemHeap struct {
	items   []*Item
	nextSeq int
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	if h.items[i].Priority == h.items[j].Priority {
		return h.items[i].seq < h.items[j].seq
	}
	return h.items[i].Priority < h.items[j].Priority
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *itemHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*Item))
}

func (h *itemHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
