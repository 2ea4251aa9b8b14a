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

// Package directory implements the hierarchical directory layer of
// spec.md §3.7 / §4.3: a directory is just a file whose contents are an
// array of fixed-size name-to-inode records, and a path like "a/b/c" is
// resolved one component at a time by reading those records back through
// the inode layer.
package directory

import (
	"context"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/freemap"
	"github.com/AKINGcsq/pintosfs/inode"
	"github.com/jacobsa/reqtrace"
)

// Dir is an open handle onto a directory's contents: the backing inode
// plus a read cursor used by Readdir (spec.md §3.7).
type Dir struct {
	mgr *inode.Manager
	in  *inode.Inode
	pos int64
}

// Create lays out a fresh, empty directory inode at sector, sized to hold
// entryCnt entries before it must grow by extension (spec.md §4.3, pintos
// dir_create). entryCnt is a hint, not a hard cap: Add still extends the
// file via the ordinary inode write path once it runs out of room.
func Create(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, sector uint32, entryCnt int) (err error) {
	_, report := reqtrace.StartSpan(ctx, "directory.Create")
	defer func() { report(err) }()

	size := int64(entryCnt) * diskfmt.DirEntrySize
	if err := inode.Create(ctx, c, fm, sector, size, true); err != nil {
		return err
	}
	return nil
}

// Open wraps an already-open inode in a Dir, taking ownership of the
// reference: the caller must not call mgr.Close on in directly afterward,
// only Close on the returned Dir (spec.md §4.3, pintos dir_open).
func Open(in *inode.Inode, mgr *inode.Manager) *Dir {
	return &Dir{mgr: mgr, in: in, pos: 0}
}

// OpenRoot opens the well-known root directory.
func OpenRoot(ctx context.Context, mgr *inode.Manager) (*Dir, error) {
	in, err := mgr.Open(ctx, diskfmt.RootDirSector)
	if err != nil {
		return nil, err
	}
	return Open(in, mgr), nil
}

// OpenSector opens the directory whose inode lives at sector.
func OpenSector(ctx context.Context, mgr *inode.Manager, sector uint32) (*Dir, error) {
	in, err := mgr.Open(ctx, sector)
	if err != nil {
		return nil, err
	}
	return Open(in, mgr), nil
}

// Reopen returns a fresh handle on the same backing inode as d, with its
// own read cursor reset to the start (spec.md §4.3, pintos dir_reopen).
func Reopen(ctx context.Context, d *Dir) (*Dir, error) {
	in, err := d.mgr.Open(ctx, d.in.Sector())
	if err != nil {
		return nil, err
	}
	return Open(in, d.mgr), nil
}

// Close releases d's reference to its backing inode.
func Close(ctx context.Context, d *Dir) error {
	if d == nil {
		return nil
	}
	return d.mgr.Close(ctx, d.in)
}

// Inode returns the inode backing d, e.g. for Inumber or Isdir queries.
func (d *Dir) Inode() *inode.Inode { return d.in }
