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

package device

import (
	"sync"
	"sync/atomic"

	"github.com/AKINGcsq/pintosfs/diskfmt"
)

// MemDevice is a block device backed by a slab of memory. It never touches
// the filesystem, so it is the default choice for unit tests.
type MemDevice struct {
	mu       sync.RWMutex
	sectors  [][]byte // GUARDED_BY(mu) for the slice header only; see below
	writeCnt uint64
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a device with the given number of zeroed sectors.
func NewMemDevice(sectorCount uint32) *MemDevice {
	d := &MemDevice{
		sectors: make([][]byte, sectorCount),
	}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, diskfmt.SectorBytes)
	}
	return d
}

func (d *MemDevice) SectorCount() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint32(len(d.sectors))
}

// ReadSector and WriteSector each touch one element of the slab; distinct
// sectors never contend with each other in a real implementation, but a
// single RWMutex over the whole slab is simplest and is never the
// concurrency unit under test (the buffer cache in front of this device
// is what the spec's concurrency model exercises).
func (d *MemDevice) ReadSector(sector uint32, out []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if sector >= uint32(len(d.sectors)) {
		return ErrOutOfRange
	}
	copy(out, d.sectors[sector])
	return nil
}

func (d *MemDevice) WriteSector(sector uint32, in []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sector >= uint32(len(d.sectors)) {
		return ErrOutOfRange
	}
	copy(d.sectors[sector], in)
	atomic.AddUint64(&d.writeCnt, 1)
	return nil
}

func (d *MemDevice) WriteCount() uint64 {
	return atomic.LoadUint64(&d.writeCnt)
}
