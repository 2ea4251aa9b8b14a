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

// Package cache implements the bounded, write-back, set-associative
// buffer cache of spec.md §4.1: the sole reader/writer of raw device
// sectors for every layer above it.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/AKINGcsq/pintosfs/device"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// Capacity is the fixed number of slots in the cache table (spec.md §3.3).
const Capacity = 64

// Table is the cache described in spec.md §3.3 / §4.1. The zero value is
// not usable; construct one with New.
type Table struct {
	dev   device.Device
	clock timeutil.Clock

	// modMu is the cache modification mutex: mutex #1 in the acquisition
	// order of spec.md §5. It serializes slot-identity changes (which
	// sector lives in which slot) and is never held while waiting on a
	// slot's access mutex belonging to a *different* admission.
	modMu   syncutil.InvariantMutex // GUARDED: entries[].ident writes
	entries [Capacity]*entry

	statsMu sync.Mutex
	hits    int64 // GUARDED_BY(statsMu)
	misses  int64 // GUARDED_BY(statsMu)
}

// New returns an empty cache table fronting dev, using clock for the LRU
// tick (spec.md §9 "Timestamp as tick counter").
func New(dev device.Device, clock timeutil.Clock) *Table {
	t := &Table{
		dev:   dev,
		clock: clock,
	}
	for i := range t.entries {
		t.entries[i] = &entry{}
	}
	t.modMu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// checkInvariants enforces spec.md §3.3: an occupied slot's sector is the
// unique home for that sector in the cache. Only meaningful while modMu is
// held, which is exactly when syncutil.InvariantMutex calls it.
func (t *Table) checkInvariants() {
	seen := make(map[uint32]int, Capacity)
	for i, e := range t.entries {
		occupied, sector := e.identity()
		if !occupied {
			continue
		}
		if prev, ok := seen[sector]; ok {
			panic(fmt.Sprintf("sector %d occupies both slot %d and slot %d", sector, prev, i))
		}
		seen[sector] = i
	}
}

// Shutdown forces write-back of every dirty entry. Callers must not use t
// after Shutdown returns.
func (t *Table) Shutdown(ctx context.Context) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "cache.Shutdown")
	defer func() { report(err) }()

	return t.FlushAll(ctx)
}

// FlushAll writes back every occupied, dirty entry. It may run
// concurrently with other cache activity; each slot is visited under its
// own access mutex so in-flight reads/writes elsewhere are never
// disturbed.
func (t *Table) FlushAll(ctx context.Context) (err error) {
	_, report := reqtrace.StartSpan(ctx, "cache.FlushAll")
	defer func() { report(err) }()

	for _, e := range t.entries {
		occupied, sector := e.identity()
		if !occupied || !e.dirty.Load() {
			continue
		}

		e.accessMu.Lock()
		// Dirty-bit double-check (spec.md §9): re-verify under the access
		// mutex to avoid a spurious write-back racing a concurrent clear.
		occupied, sector = e.identity()
		if !occupied || !e.dirty.Load() {
			e.accessMu.Unlock()
			continue
		}

		if werr := t.dev.WriteSector(sector, e.data[:]); werr != nil {
			e.accessMu.Unlock()
			return werr
		}
		e.dirty.Store(false)
		e.accessMu.Unlock()
	}

	return nil
}

// ReadAt copies size bytes from the cached image of sector, at intra-sector
// offset, into dst. REQUIRES offset+size <= diskfmt.SectorBytes.
func (t *Table) ReadAt(ctx context.Context, sector uint32, dst []byte, size, offset int) (err error) {
	_, report := reqtrace.StartSpan(ctx, "cache.ReadAt")
	defer func() { report(err) }()

	e, err := t.locateOrAdmit(sector)
	if err != nil {
		return err
	}
	copy(dst[:size], e.data[offset:offset+size])
	e.accessMu.Unlock()
	return nil
}

// WriteAt copies size bytes from src into the cached image of sector, at
// intra-sector offset, and marks the slot dirty. REQUIRES offset+size <=
// diskfmt.SectorBytes.
func (t *Table) WriteAt(ctx context.Context, sector uint32, src []byte, size, offset int) (err error) {
	_, report := reqtrace.StartSpan(ctx, "cache.WriteAt")
	defer func() { report(err) }()

	e, err := t.locateOrAdmit(sector)
	if err != nil {
		return err
	}
	copy(e.data[offset:offset+size], src[:size])
	e.dirty.Store(true)
	e.accessMu.Unlock()
	return nil
}

// locateOrAdmit implements spec.md §4.1's locate-or-admit algorithm. On
// success it returns a slot whose access mutex is held by the caller, who
// must release it.
func (t *Table) locateOrAdmit(sector uint32) (*entry, error) {
scan:
	for {
		// Step 1: scan-for-hit, a lock-free probe.
		for _, e := range t.entries {
			occupied, s := e.identity()
			if !occupied || s != sector {
				continue
			}

			e.accessMu.Lock()
			occupied, s = e.identity()
			if occupied && s == sector {
				t.touch(e)
				t.noteHit()
				return e, nil
			}
			e.accessMu.Unlock()
		}

		// Step 2: admit under the modification mutex; rescan for a false
		// negative first.
		t.modMu.Lock()
		for _, e := range t.entries {
			occupied, s := e.identity()
			if occupied && s == sector {
				t.modMu.Unlock()
				continue scan
			}
		}

		t.noteMiss()

		// Step 3: select a victim.
		victim := t.selectVictim()

		// Step 4: commit the new identity under the modification mutex,
		// holding the victim's access mutex throughout.
		victim.accessMu.Lock()
		priorOccupied, priorSector := victim.identity()
		priorDirty := victim.dirty.Load()
		if priorOccupied {
			getLogger().Printf("evicting sector %d (dirty=%v) for sector %d", priorSector, priorDirty, sector)
		}
		victim.setIdentity(true, sector)
		t.touch(victim)
		t.modMu.Unlock()

		// Step 5: write back the prior occupant if dirty, then read in the
		// new sector. Neither touches slot identity, so this runs outside
		// the modification mutex.
		if priorOccupied && priorDirty {
			if err := t.dev.WriteSector(priorSector, victim.data[:]); err != nil {
				victim.accessMu.Unlock()
				return nil, err
			}
		}
		if err := t.dev.ReadSector(sector, victim.data[:]); err != nil {
			victim.accessMu.Unlock()
			return nil, err
		}
		victim.dirty.Store(false)
		return victim, nil
	}
}

// selectVictim prefers any unoccupied slot, else the occupied slot with
// the smallest last-access tick, ties broken by the first one seen.
// REQUIRES: caller holds modMu.
func (t *Table) selectVictim() *entry {
	for _, e := range t.entries {
		if occupied, _ := e.identity(); !occupied {
			return e
		}
	}

	victim := t.entries[0]
	victimTs := victim.timestamp()
	for _, e := range t.entries[1:] {
		if ts := e.timestamp(); ts < victimTs {
			victim, victimTs = e, ts
		}
	}
	return victim
}

func (t *Table) touch(e *entry) {
	e.setTimestamp(t.clock.Now().UnixNano())
}

func (t *Table) noteHit() {
	t.statsMu.Lock()
	t.hits++
	t.statsMu.Unlock()
}

func (t *Table) noteMiss() {
	t.statsMu.Lock()
	t.misses++
	t.statsMu.Unlock()
}

// Hits returns the number of cache hits since the last ResetStats.
func (t *Table) Hits() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.hits
}

// Misses returns the number of cache misses since the last ResetStats.
func (t *Table) Misses() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.misses
}

// ResetStats zeros the hit/miss counters.
func (t *Table) ResetStats() {
	t.statsMu.Lock()
	t.hits, t.misses = 0, 0
	t.statsMu.Unlock()
}

// WriteCount delegates to the underlying device, per spec.md §6.1.
func (t *Table) WriteCount() uint64 {
	return t.dev.WriteCount()
}
