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

// Package inode implements the multi-level indexed inode layer of spec.md
// §3.4-§3.6 / §4.2: per-file address translation through direct, indirect
// and doubly indirect sector pointers, allocation and deallocation against
// the free map, and the open-inode bookkeeping (reference counts, deferred
// removal, deny-write) that the directory and fs layers build on.
package inode

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/ferrors"
	"github.com/AKINGcsq/pintosfs/freemap"
	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
)

// Inode is the in-memory handle for one on-disk inode, shared by every
// caller that has it open (spec.md §3.5). Identity never changes after
// construction; openCnt, removed and denyWriteCnt are the only mutable
// state, all guarded by mu, which is mutex #5 in the acquisition order of
// spec.md §5.
type Inode struct {
	mgr    *Manager
	sector uint32

	mu           syncutil.InvariantMutex
	openCnt      int32 // GUARDED_BY(mu)
	denyWriteCnt int32 // GUARDED_BY(mu)
	removed      bool  // GUARDED_BY(mu)
}

func newInode(mgr *Manager, sector uint32) *Inode {
	in := &Inode{mgr: mgr, sector: sector, openCnt: 1}
	in.mu = syncutil.NewInvariantMutex(in.checkInvariants)
	return in
}

// checkInvariants enforces 0 <= denyWriteCnt <= openCnt: a deny-write can
// only be outstanding on behalf of a still-open handle.
func (in *Inode) checkInvariants() {
	if in.openCnt < 0 {
		panic(fmt.Sprintf("inode %d: negative open count %d", in.sector, in.openCnt))
	}
	if in.denyWriteCnt < 0 || in.denyWriteCnt > in.openCnt {
		panic(fmt.Sprintf("inode %d: deny count %d out of range for open count %d", in.sector, in.denyWriteCnt, in.openCnt))
	}
}

// Sector returns the inode's own sector number, its inumber (spec.md
// §4.2.10).
func (in *Inode) Sector() uint32 { return in.sector }

// Length returns the file's current length in bytes, read fresh off the
// disk inode (spec.md §4.2.10).
func (in *Inode) Length(ctx context.Context) (int64, error) {
	var buf [4]byte
	if err := in.mgr.cache.ReadAt(ctx, in.sector, buf[:], 4, diskfmt.OffsetLength); err != nil {
		return 0, err
	}
	return int64(int32(binary.LittleEndian.Uint32(buf[:]))), nil
}

// IsDir reports whether the inode denotes a directory (spec.md §4.2.10).
func (in *Inode) IsDir(ctx context.Context) (bool, error) {
	var buf [1]byte
	if err := in.mgr.cache.ReadAt(ctx, in.sector, buf[:], 1, diskfmt.OffsetIsDir); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// SetDir marks the inode as a directory. Callers use this exactly once,
// right after Create, before the new inode is linked into any directory
// (spec.md §4.2.10).
func (in *Inode) SetDir(ctx context.Context) error {
	buf := [1]byte{1}
	return in.mgr.cache.WriteAt(ctx, in.sector, buf[:], 1, diskfmt.OffsetIsDir)
}

// DenyWrite increments the inode's deny-write count (spec.md §4.2.9),
// used while an executable image is running so no writer can modify it.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	in.denyWriteCnt++
	in.mu.Unlock()
}

// AllowWrite undoes one DenyWrite.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	in.denyWriteCnt--
	in.mu.Unlock()
}

// MarkRemoved flags the inode for deletion once its last open handle
// closes (spec.md §4.2.8). The directory entry is gone already; this only
// governs when the inode's own sectors are reclaimed.
func (in *Inode) MarkRemoved() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// Removed reports whether MarkRemoved has been called.
func (in *Inode) Removed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// ReadAt copies up to len(dst) bytes starting at offset into dst, stopping
// at the file's current length, and returns the number of bytes copied
// (spec.md §4.2.5). Unlike WriteAt, the inode mutex is taken and released
// once per sector rather than for the whole call, since reads never
// mutate the index structure.
func (in *Inode) ReadAt(ctx context.Context, dst []byte, offset int64) (n int64, err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.ReadAt")
	defer func() { report(err) }()

	size := int64(len(dst))
	var read int64
	for size > 0 {
		in.mu.Lock()
		sector, mapped, terr := byteToSector(ctx, in.mgr.cache, in.sector, offset)
		in.mu.Unlock()
		if terr != nil {
			return read, terr
		}
		if !mapped {
			break
		}

		length, lerr := in.Length(ctx)
		if lerr != nil {
			return read, lerr
		}

		sectorOfs := offset % diskfmt.SectorBytes
		sectorLeft := diskfmt.SectorBytes - sectorOfs
		inodeLeft := length - offset
		chunk := diskfmt.MinInt64(size, diskfmt.MinInt64(sectorLeft, inodeLeft))
		if chunk <= 0 {
			break
		}

		if rerr := in.mgr.cache.ReadAt(ctx, sector, dst[read:read+chunk], int(chunk), int(sectorOfs)); rerr != nil {
			return read, rerr
		}
		size -= chunk
		offset += chunk
		read += chunk
	}
	return read, nil
}

// WriteAt writes src at offset, extending the file (allocating fresh
// sectors, zero-filling any gap) if the write reaches past the current
// length, and returns the number of bytes written (spec.md §4.2.6). The
// inode mutex is held for the whole call, serializing concurrent writers
// of the same inode against each other and against extension.
func (in *Inode) WriteAt(ctx context.Context, src []byte, offset int64) (n int64, err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.WriteAt")
	defer func() { report(err) }()

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.denyWriteCnt > 0 {
		return 0, nil
	}

	size := int64(len(src))
	if size == 0 {
		return 0, nil
	}

	lastByte := offset + size - 1
	_, mapped, terr := byteToSector(ctx, in.mgr.cache, in.sector, lastByte)
	if terr != nil {
		return 0, terr
	}
	if !mapped {
		newLength := offset + size
		if newLength > diskfmt.MaxFileSize {
			return 0, nil
		}

		buf := make([]byte, diskfmt.SectorBytes)
		if err := in.mgr.cache.ReadAt(ctx, in.sector, buf, diskfmt.SectorBytes, 0); err != nil {
			return 0, err
		}
		disk := diskfmt.UnmarshalDiskInode(buf)

		if newLength > int64(disk.Length) {
			if aerr := allocateFor(ctx, in.mgr.cache, in.mgr.freemap, &disk, newLength); aerr != nil {
				return 0, aerr
			}
			disk.Length = int32(newLength)
			if werr := in.mgr.cache.WriteAt(ctx, in.sector, disk.Marshal(), diskfmt.SectorBytes, 0); werr != nil {
				return 0, werr
			}
		}
	}

	var written int64
	for size > 0 {
		sector, mapped, terr := byteToSector(ctx, in.mgr.cache, in.sector, offset)
		if terr != nil {
			return written, terr
		}
		if !mapped {
			// Extension above covered [offset, offset+len(src)); reaching
			// here would mean it did not.
			break
		}

		length, lerr := in.Length(ctx)
		if lerr != nil {
			return written, lerr
		}

		sectorOfs := offset % diskfmt.SectorBytes
		sectorLeft := diskfmt.SectorBytes - sectorOfs
		inodeLeft := length - offset
		chunk := diskfmt.MinInt64(size, diskfmt.MinInt64(sectorLeft, inodeLeft))
		if chunk <= 0 {
			break
		}

		if werr := in.mgr.cache.WriteAt(ctx, sector, src[written:written+chunk], int(chunk), int(sectorOfs)); werr != nil {
			return written, werr
		}
		size -= chunk
		offset += chunk
		written += chunk
	}
	return written, nil
}

// SetLength changes the file's length directly, without copying any data
// (spec.md §4.2.10, used by a FUSE ftruncate/O_TRUNC). Growing allocates and
// zero-fills the newly covered sectors exactly as WriteAt's extension path
// does; shrinking only rewrites the Length field, leaving sectors beyond the
// new length allocated but now unreachable from ReadAt/WriteAt until the
// file grows again or is removed.
func (in *Inode) SetLength(ctx context.Context, newLength int64) (err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.SetLength")
	defer func() { report(err) }()

	in.mu.Lock()
	defer in.mu.Unlock()

	if newLength < 0 {
		return ferrors.ErrNameInvalid
	}

	buf := make([]byte, diskfmt.SectorBytes)
	if err := in.mgr.cache.ReadAt(ctx, in.sector, buf, diskfmt.SectorBytes, 0); err != nil {
		return err
	}
	disk := diskfmt.UnmarshalDiskInode(buf)

	if newLength > int64(disk.Length) {
		if newLength > diskfmt.MaxFileSize {
			return ferrors.ErrResourceExhausted
		}
		if aerr := allocateFor(ctx, in.mgr.cache, in.mgr.freemap, &disk, newLength); aerr != nil {
			return aerr
		}
	}

	disk.Length = int32(newLength)
	return in.mgr.cache.WriteAt(ctx, in.sector, disk.Marshal(), diskfmt.SectorBytes, 0)
}

// Create writes a fresh disk inode at sector, allocating length bytes
// worth of zeroed data sectors from fm (spec.md §4.2.2). The caller must
// already own sector, typically just allocated from fm itself.
func Create(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, sector uint32, length int64, isDir bool) (err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.Create")
	defer func() { report(err) }()

	if length < 0 {
		return ferrors.ErrNameInvalid
	}

	var disk diskfmt.DiskInode
	disk.Magic = diskfmt.InodeMagic
	disk.IsDir = isDir
	disk.Length = int32(length)

	if err := allocateFor(ctx, c, fm, &disk, length); err != nil {
		return err
	}
	return c.WriteAt(ctx, sector, disk.Marshal(), diskfmt.SectorBytes, 0)
}

// Destroy releases every data sector a freshly Create'd (and never
// opened) inode at sector maps, but not sector itself. Callers use this
// to unwind a Create whose directory entry could not be added, mirroring
// the cleanup pintos's callers skip only because they leak on that path;
// here freemap accounting must stay exact.
func Destroy(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, sector uint32) (err error) {
	_, report := reqtrace.StartSpan(ctx, "inode.Destroy")
	defer func() { report(err) }()

	buf := make([]byte, diskfmt.SectorBytes)
	if err := c.ReadAt(ctx, sector, buf, diskfmt.SectorBytes, 0); err != nil {
		return err
	}
	disk := diskfmt.UnmarshalDiskInode(buf)
	return deallocFor(ctx, c, fm, &disk)
}
