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
	"encoding/binary"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/ferrors"
	"github.com/AKINGcsq/pintosfs/freemap"
)

// byteToSector is the address translation of spec.md §4.2.1, a direct port
// of pintos's byte_to_sector: given a byte offset into a file, find the
// data sector that holds it, descending through the direct, indirect and
// doubly indirect levels as needed. It re-reads the disk inode on every
// call rather than caching length/pointers in memory, so concurrent
// extension is always seen.
func byteToSector(ctx context.Context, c *cache.Table, inodeSector uint32, pos int64) (sector uint32, mapped bool, err error) {
	buf := make([]byte, diskfmt.SectorBytes)
	if err = c.ReadAt(ctx, inodeSector, buf, diskfmt.SectorBytes, 0); err != nil {
		return 0, false, err
	}
	disk := diskfmt.UnmarshalDiskInode(buf)

	if pos < 0 || pos >= int64(disk.Length) {
		return 0, false, nil
	}

	index := pos / diskfmt.SectorBytes

	switch {
	case index < diskfmt.NumDirect:
		return disk.Direct[index], true, nil

	case index < diskfmt.NumDirect+diskfmt.PtrsPerIndirect:
		ptr, err := readIndirectPtr(ctx, c, disk.Indirect, int(index-diskfmt.NumDirect))
		if err != nil {
			return 0, false, err
		}
		return ptr, true, nil

	case index < diskfmt.NumDirect+diskfmt.PtrsPerIndirect+diskfmt.PtrsPerIndirect*diskfmt.PtrsPerIndirect:
		j := index - (diskfmt.NumDirect + diskfmt.PtrsPerIndirect)
		outer := j / diskfmt.PtrsPerIndirect
		inner := j % diskfmt.PtrsPerIndirect

		indirectSector, err := readIndirectPtr(ctx, c, disk.DoublyIndirect, int(outer))
		if err != nil {
			return 0, false, err
		}
		dataSector, err := readIndirectPtr(ctx, c, indirectSector, int(inner))
		if err != nil {
			return 0, false, err
		}
		return dataSector, true, nil

	default:
		// Unreachable so long as disk.Length never exceeds
		// diskfmt.MaxFileSize, which allocateFor enforces.
		return 0, false, nil
	}
}

func readIndirectPtr(ctx context.Context, c *cache.Table, indirectSector uint32, idx int) (uint32, error) {
	var buf [4]byte
	if err := c.ReadAt(ctx, indirectSector, buf[:], 4, idx*4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func zeroSector(ctx context.Context, c *cache.Table, sector uint32) error {
	var zeros [diskfmt.SectorBytes]byte
	return c.WriteAt(ctx, sector, zeros[:], diskfmt.SectorBytes, 0)
}

// allocateFor grows disk's index structure, allocating freshly zeroed
// sectors from fm, so that every sector covered by [0, targetLength) is
// mapped. It mirrors pintos's inode_allocate / inode_alloc_indirect,
// collapsed into one recursive helper parameterized by tree depth.
func allocateFor(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, disk *diskfmt.DiskInode, targetLength int64) error {
	if targetLength > diskfmt.MaxFileSize {
		return ferrors.ErrResourceExhausted
	}

	needed := diskfmt.BytesToSectors(targetLength)

	limDirect := diskfmt.MinInt64(needed, diskfmt.NumDirect)
	for i := int64(0); i < limDirect; i++ {
		if disk.Direct[i] == 0 {
			s, ok := fm.Allocate(1)
			if !ok {
				getLogger().Printf("free map exhausted growing to %d bytes", targetLength)
				return ferrors.ErrResourceExhausted
			}
			if err := zeroSector(ctx, c, s); err != nil {
				return err
			}
			disk.Direct[i] = s
		}
	}
	remaining := needed - limDirect
	if remaining == 0 {
		return nil
	}

	limIndirect := diskfmt.MinInt64(remaining, diskfmt.PtrsPerIndirect)
	if err := allocTree(ctx, c, fm, &disk.Indirect, limIndirect, 1); err != nil {
		return err
	}
	remaining -= limIndirect
	if remaining == 0 {
		return nil
	}

	limDouble := diskfmt.MinInt64(remaining, diskfmt.PtrsPerIndirect*diskfmt.PtrsPerIndirect)
	if err := allocTree(ctx, c, fm, &disk.DoublyIndirect, limDouble, 2); err != nil {
		return err
	}
	remaining -= limDouble
	if remaining == 0 {
		return nil
	}

	// needed was already capped at MaxFileSectors above, so this is
	// unreachable.
	return ferrors.ErrResourceExhausted
}

// allocTree ensures *ptr names a sector holding the next `remaining`
// sectors of the file, recursing one level for every indirection depth d
// above a leaf data sector (d == 0).
func allocTree(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, ptr *uint32, remaining int64, d int) error {
	if *ptr == 0 {
		s, ok := fm.Allocate(1)
		if !ok {
			return ferrors.ErrResourceExhausted
		}
		if err := zeroSector(ctx, c, s); err != nil {
			return err
		}
		*ptr = s
	}

	if d == 0 {
		return nil
	}

	buf := make([]byte, diskfmt.SectorBytes)
	if err := c.ReadAt(ctx, *ptr, buf, diskfmt.SectorBytes, 0); err != nil {
		return err
	}
	ib := diskfmt.UnmarshalIndirectBlock(buf)

	unit := int64(1)
	if d == 2 {
		unit = diskfmt.PtrsPerIndirect
	}
	lim := (remaining + unit - 1) / unit

	dirty := false
	for i := int64(0); i < lim; i++ {
		chunk := diskfmt.MinInt64(remaining, unit)
		before := ib.Ptrs[i]
		if err := allocTree(ctx, c, fm, &ib.Ptrs[i], chunk, d-1); err != nil {
			return err
		}
		if ib.Ptrs[i] != before {
			dirty = true
		}
		remaining -= chunk
	}

	if dirty {
		if err := c.WriteAt(ctx, *ptr, ib.Marshal(), diskfmt.SectorBytes, 0); err != nil {
			return err
		}
	}
	return nil
}

// deallocFor releases every sector disk's index structure maps, including
// the indirect and doubly indirect index sectors themselves. It mirrors
// pintos's inode_dealloc / inode_dealloc_indirect. The whole index is
// walked, not just the part covering disk.Length, so sectors left mapped
// past the length (by a shrinking SetLength or a failed extension) are
// released too; zero pointers are skipped at every level.
func deallocFor(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, disk *diskfmt.DiskInode) error {
	sectorsUsed := int64(diskfmt.MaxFileSectors)

	limDirect := diskfmt.MinInt64(sectorsUsed, diskfmt.NumDirect)
	for i := int64(0); i < limDirect; i++ {
		if disk.Direct[i] != 0 {
			fm.Release(disk.Direct[i], 1)
		}
	}
	remaining := sectorsUsed - limDirect
	if remaining == 0 {
		return nil
	}

	limIndirect := diskfmt.MinInt64(remaining, diskfmt.PtrsPerIndirect)
	if disk.Indirect != 0 {
		if err := deallocTree(ctx, c, fm, disk.Indirect, limIndirect, 1); err != nil {
			return err
		}
	}
	remaining -= limIndirect
	if remaining == 0 {
		return nil
	}

	limDouble := diskfmt.MinInt64(remaining, diskfmt.PtrsPerIndirect*diskfmt.PtrsPerIndirect)
	if disk.DoublyIndirect != 0 {
		if err := deallocTree(ctx, c, fm, disk.DoublyIndirect, limDouble, 2); err != nil {
			return err
		}
	}

	return nil
}

// deallocTree releases ptr itself after first releasing, recursively,
// everything it points to at depth d.
func deallocTree(ctx context.Context, c *cache.Table, fm *freemap.Bitmap, ptr uint32, remaining int64, d int) error {
	if d > 0 {
		buf := make([]byte, diskfmt.SectorBytes)
		if err := c.ReadAt(ctx, ptr, buf, diskfmt.SectorBytes, 0); err != nil {
			return err
		}
		ib := diskfmt.UnmarshalIndirectBlock(buf)

		unit := int64(1)
		if d == 2 {
			unit = diskfmt.PtrsPerIndirect
		}
		lim := (remaining + unit - 1) / unit

		for i := int64(0); i < lim; i++ {
			chunk := diskfmt.MinInt64(remaining, unit)
			if ib.Ptrs[i] != 0 {
				if err := deallocTree(ctx, c, fm, ib.Ptrs[i], chunk, d-1); err != nil {
					return err
				}
			}
			remaining -= chunk
		}
	}

	fm.Release(ptr, 1)
	return nil
}
