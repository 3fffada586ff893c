// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import "sync"

// workQueue is a FIFO of computed fields awaiting re-derivation.
// Enqueueing a field already present is a no-op, so a burst of writes
// to the same inputs produces one pending entry per output field.
type workQueue struct {
	mu      sync.Mutex
	order   []FieldKey
	present map[FieldKey]struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{present: make(map[FieldKey]struct{})}
}

// Enqueue adds a field unless it is already pending. Returns true if
// the field was added.
func (q *workQueue) Enqueue(key FieldKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[key]; ok {
		return false
	}
	q.present[key] = struct{}{}
	q.order = append(q.order, key)
	return true
}

// Remove drops a pending field. Returns true if it was pending.
func (q *workQueue) Remove(key FieldKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[key]; !ok {
		return false
	}
	delete(q.present, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns the pending fields in enqueue order.
func (q *workQueue) List() []FieldKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FieldKey(nil), q.order...)
}

// Drain removes and returns everything pending, in enqueue order.
func (q *workQueue) Drain() []FieldKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.order
	q.order = nil
	q.present = make(map[FieldKey]struct{})
	return out
}

// Len reports the number of pending fields.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
