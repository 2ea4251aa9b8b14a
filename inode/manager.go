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

package inode

import (
	"context"
	"sync"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/freemap"
	"github.com/jacobsa/reqtrace"
)

// Manager is the open-inodes container of spec.md §3.6 / §4.2.7: it hands
// out at most one *Inode per sector, so that concurrent opens of the same
// file share reference counts, deny-write state and pending-removal state
// instead of racing through independent copies.
//
// mu is mutex #4 in the acquisition order of spec.md §5: always acquired
// before a specific inode's own mutex, never after.
type Manager struct {
	cache   *cache.Table
	freemap *freemap.Bitmap

	mu   sync.Mutex
	open map[uint32]*Inode // GUARDED_BY(mu)
}

// NewManager returns a Manager that reads and writes through c and
// allocates from fm.
func NewManager(c *cache.Table, fm *freemap.Bitmap) *Manager {
	return &Manager{
		cache:   c,
		freemap: fm,
		open:    make(map[uint32]*Inode),
	}
}

// Open returns the shared in-memory Inode for sector, creating it on first
// open and incrementing its open count on every call (spec.md §4.2.7). The
// caller must eventually call Close the same number of times.
func (m *Manager) Open(ctx context.Context, sector uint32) (in *Inode, err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.Manager.Open")
	defer func() { report(err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.open[sector]; ok {
		existing.mu.Lock()
		existing.openCnt++
		existing.mu.Unlock()
		return existing, nil
	}

	in := newInode(m, sector)
	m.open[sector] = in
	return in, nil
}

// Close drops one reference to in. When the last reference goes away, the
// Inode is removed from the open-inodes table; if it had been marked
// removed, its sectors are deallocated and its own sector is released back
// to the free map (spec.md §4.2.8).
func (m *Manager) Close(ctx context.Context, in *Inode) (err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.Manager.Close")
	defer func() { report(err) }()

	// Hold m.mu across the decrement so a concurrent Open cannot hand out
	// this Inode between its count reaching zero and its removal from the
	// table.
	m.mu.Lock()
	in.mu.Lock()
	in.openCnt--
	lastRef := in.openCnt == 0
	removed := in.removed
	in.mu.Unlock()
	if lastRef {
		delete(m.open, in.sector)
	}
	m.mu.Unlock()

	if !lastRef || !removed {
		return nil
	}

	getLogger().Printf("last close of removed inode at sector %d, deallocating", in.sector)
	return m.deallocate(ctx, in.sector)
}

// deallocate reads in's disk inode one last time and releases every
// sector it maps, including its own sector.
func (m *Manager) deallocate(ctx context.Context, sector uint32) error {
	buf := make([]byte, diskfmt.SectorBytes)
	if err := m.cache.ReadAt(ctx, sector, buf, diskfmt.SectorBytes, 0); err != nil {
		return err
	}
	disk := diskfmt.UnmarshalDiskInode(buf)
	if err := deallocFor(ctx, m.cache, m.freemap, &disk); err != nil {
		return err
	}
	m.freemap.Release(sector, 1)
	return nil
}

// RemoveIfUnique marks in removed if it is the only open reference,
// reporting whether it did so (spec.md §4.2.8's "am I the sole user"
// check, used by directory removal to refuse removing a directory that
// another handle still holds open).
func (in *Inode) RemoveIfUnique() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.openCnt != 1 {
		return false
	}
	in.removed = true
	return true
}
