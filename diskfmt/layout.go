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

// Package diskfmt defines the on-disk byte layout shared by the cache,
// inode and directory layers: sector size, index fan-out, and the exact
// byte encoding of a disk inode, an indirect block and a directory entry.
//
// Every struct here is marshaled to and from a raw SECTOR_BYTES buffer by
// hand, field by field in little-endian order, rather than via
// encoding/binary reflection, so that the layout in spec is reproduced
// bit-for-bit regardless of host struct padding.
package diskfmt

import "encoding/binary"

const (
	// SectorBytes is the size in bytes of one block device sector.
	SectorBytes = 512

	// NumDirect is the number of direct sector pointers held inline in a
	// disk inode.
	NumDirect = 123

	// PtrsPerIndirect is the number of sector pointers packed into one
	// indirect sector.
	PtrsPerIndirect = 128

	// NameMax is the longest permitted directory entry name, excluding the
	// trailing NUL.
	NameMax = 14

	// InodeMagic tags a disk inode so a reader can sanity check it found
	// the right kind of sector.
	InodeMagic = 0x494e4f44 // "INOD"

	// MaxFileSectors is the largest number of data sectors a single inode
	// can index: direct + one indirect level + one doubly indirect level.
	MaxFileSectors = NumDirect + PtrsPerIndirect + PtrsPerIndirect*PtrsPerIndirect

	// MaxFileSize is MaxFileSectors worth of bytes, the largest length a
	// file can be extended to.
	MaxFileSize = int64(MaxFileSectors) * SectorBytes

	// BitmapSector is the well-known home of the free-map bitmap.
	BitmapSector = 0

	// RootDirSector is the well-known home of the root directory's inode.
	RootDirSector = 1

	// DirEntrySize is the packed, padding-free size of one DirEntry record.
	DirEntrySize = 4 + (NameMax + 1) + 1
)

// DiskInode is the in-memory image of the on-disk inode record described in
// spec.md §3.4 / §6.3. It marshals to exactly SectorBytes bytes; unused
// trailing bytes are zero.
//
// Field order on disk: Direct[0..NumDirect), Indirect, DoublyIndirect,
// IsDir (1 byte), Length (4 bytes signed), Magic (4 bytes).
type DiskInode struct {
	Direct         [NumDirect]uint32
	Indirect       uint32
	DoublyIndirect uint32
	IsDir          bool
	Length         int32
	Magic          uint32
}

// Marshal encodes d into a SectorBytes-sized buffer.
func (d *DiskInode) Marshal() []byte {
	buf := make([]byte, SectorBytes)
	off := 0
	for i := 0; i < NumDirect; i++ {
		binary.LittleEndian.PutUint32(buf[off:], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.DoublyIndirect)
	off += 4
	if d.IsDir {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Length))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Magic)

	return buf
}

// UnmarshalDiskInode decodes a SectorBytes-sized buffer produced by Marshal.
func UnmarshalDiskInode(buf []byte) (d DiskInode) {
	off := 0
	for i := 0; i < NumDirect; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Indirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.DoublyIndirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.IsDir = buf[off] != 0
	off++
	d.Length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.Magic = binary.LittleEndian.Uint32(buf[off:])

	return d
}

// Byte offsets of individual DiskInode fields, for callers (inode.Length,
// inode.IsDir, ...) that only need to read or write one field through the
// cache rather than the whole sector.
const (
	OffsetIsDir  = NumDirect*4 + 4 + 4
	OffsetLength = OffsetIsDir + 1
	OffsetMagic  = OffsetLength + 4
)

// IndirectBlock is 128 little-endian sector pointers packed into one
// sector, used for both the singly- and doubly-indirect levels.
type IndirectBlock struct {
	Ptrs [PtrsPerIndirect]uint32
}

// Marshal encodes b into a SectorBytes-sized buffer.
func (b *IndirectBlock) Marshal() []byte {
	buf := make([]byte, SectorBytes)
	for i, p := range b.Ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	return buf
}

// UnmarshalIndirectBlock decodes a SectorBytes-sized buffer produced by
// Marshal.
func UnmarshalIndirectBlock(buf []byte) (b IndirectBlock) {
	for i := range b.Ptrs {
		b.Ptrs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return b
}

// DirEntry is one record in a directory file: a name-to-inode mapping.
type DirEntry struct {
	InodeSector uint32
	Name        [NameMax + 1]byte
	InUse       bool
}

// NewDirEntry builds a DirEntry for name, NUL-padding or truncating to
// NameMax+1 bytes. Callers must validate len(name) <= NameMax first;
// NewDirEntry itself does not reject an overlong name.
func NewDirEntry(inodeSector uint32, name string, inUse bool) DirEntry {
	var e DirEntry
	e.InodeSector = inodeSector
	e.InUse = inUse
	copy(e.Name[:], name)
	return e
}

// NameString returns the entry's name as a Go string, stopping at the
// first NUL byte.
func (e *DirEntry) NameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

// Marshal encodes e into a DirEntrySize-byte buffer with no padding beyond
// natural field order, per spec.md §6.3.
func (e *DirEntry) Marshal() []byte {
	buf := make([]byte, DirEntrySize)
	binary.LittleEndian.PutUint32(buf[0:], e.InodeSector)
	copy(buf[4:4+len(e.Name)], e.Name[:])
	if e.InUse {
		buf[4+len(e.Name)] = 1
	}
	return buf
}

// UnmarshalDirEntry decodes a DirEntrySize-byte buffer produced by Marshal.
func UnmarshalDirEntry(buf []byte) (e DirEntry) {
	e.InodeSector = binary.LittleEndian.Uint32(buf[0:])
	copy(e.Name[:], buf[4:4+len(e.Name)])
	e.InUse = buf[4+len(e.Name)] != 0
	return e
}

// BytesToSectors returns the number of SectorBytes-sized sectors needed to
// hold size bytes, rounding up.
func BytesToSectors(size int64) int64 {
	return (size + SectorBytes - 1) / SectorBytes
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MinInt64 is exported for use by inode/directory allocation loops that
// need the same min helper pintos's inode.c keeps as a static inline.
func MinInt64(a, b int64) int64 { return min64(a, b) }
