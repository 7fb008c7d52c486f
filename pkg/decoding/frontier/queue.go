/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package frontier provides the priority queue that best-first strategies
// pop hypotheses from.
package frontier

// Item is an entry of a Queue.
type Item[T any] struct {
	Key   float64
	Value T
	seq   uint64
}

// Queue is a max-priority queue. Items with equal keys pop in insertion
// order, which keeps decoding deterministic.
type Queue[T any] struct {
	items []Item[T]
	next  uint64
}

// New returns a queue with room for capacity items.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{items: make([]Item[T], 0, capacity)}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Push inserts value with priority key.
func (q *Queue[T]) Push(key float64, value T) {
	q.items = append(q.items, Item[T]{Key: key, Value: value, seq: q.next})
	q.next++
	q.siftUp(len(q.items) - 1)
}

// Peek returns the top item without removing it.
func (q *Queue[T]) Peek() (Item[T], bool) {
	if len(q.items) == 0 {
		return Item[T]{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the top item.
func (q *Queue[T]) Pop() (Item[T], bool) {
	n := len(q.items)
	if n == 0 {
		return Item[T]{}, false
	}
	top := q.items[0]
	last := q.items[n-1]
	q.items[n-1] = Item[T]{}
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.items[0] = last
		q.siftDown(0)
	}
	return top, true
}

// before reports whether item i pops before item j.
func (q *Queue[T]) before(i, j int) bool {
	a, b := &q.items[i], &q.items[j]
	if a.Key != b.Key {
		return a.Key > b.Key
	}
	return a.seq < b.seq
}

func (q *Queue[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.before(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue[T]) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.before(r, l) {
			best = r
		}
		if !q.before(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
