// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package atom

import (
	"hash/fnv"
	"sync"
)

// lockStripes is the number of mutex stripes. Collisions between
// unrelated references are harmless (they serialize where they didn't
// need to); 256 keeps the probability low at negligible memory cost.
const lockStripes = 256

// stripedLocks serializes mutation per reference without allocating a
// mutex per uuid.
//
// All writers to a reference (single pointer swap, collection put,
// range set) lock on the ref uuid: keyed puts rewrite the whole
// persisted record, so per-key locking would still race on the record.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for refUUID and returns the unlock function.
func (s *stripedLocks) lock(refUUID string) func() {
	h := fnv.New32a()
	h.Write([]byte(refUUID))
	m := &s.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
