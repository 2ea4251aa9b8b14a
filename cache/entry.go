// Copyright 2015 Google Inc. All Rights Reserved.
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

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/AKINGcsq/pintosfs/diskfmt"
)

// identOccupiedBit marks an entry.ident value as occupied; the low 32 bits
// hold the sector number.
const identOccupiedBit = uint64(1) << 32

// entry is one slot of the cache table (spec.md §3.2).
//
// Its sector/occupied identity is read lock-free during the scan-for-hit
// probe (step 1 of locateOrAdmit) and is therefore kept in a single atomic
// word; every write to it happens while the table's modification mutex is
// held, so there is never more than one writer.
//
// accessMu serializes readers and writers of data/dirty for this slot.
// tsMu guards lastAccess alone, so a timestamp read during victim
// selection never blocks behind an in-flight sector copy.
type entry struct {
	accessMu sync.Mutex
	ident    atomic.Uint64 // GUARDED_BY(table.modMu) for writes; lock-free reads
	dirty    atomic.Bool   // GUARDED_BY(accessMu) for writes; lock-free reads
	data     [diskfmt.SectorBytes]byte // GUARDED_BY(accessMu)

	tsMu       sync.Mutex
	lastAccess int64 // GUARDED_BY(tsMu)
}

// identity returns the slot's current occupied flag and sector number.
func (e *entry) identity() (occupied bool, sector uint32) {
	v := e.ident.Load()
	return v&identOccupiedBit != 0, uint32(v)
}

// setIdentity overwrites the slot's occupied flag and sector number.
// REQUIRES: caller holds the table's modification mutex.
func (e *entry) setIdentity(occupied bool, sector uint32) {
	v := uint64(sector)
	if occupied {
		v |= identOccupiedBit
	}
	e.ident.Store(v)
}

// timestamp returns the slot's last-access tick.
func (e *entry) timestamp() int64 {
	e.tsMu.Lock()
	defer e.tsMu.Unlock()
	return e.lastAccess
}

// setTimestamp records a new last-access tick.
func (e *entry) setTimestamp(tick int64) {
	e.tsMu.Lock()
	e.lastAccess = tick
	e.tsMu.Unlock()
}
