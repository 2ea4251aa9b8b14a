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

package inode_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/device"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/freemap"
	"github.com/AKINGcsq/pintosfs/inode"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

func TestInode(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const testSectorCount = 4096

type InodeTest struct {
	ctx   context.Context
	dev   *device.MemDevice
	clock timeutil.SimulatedClock
	cache *cache.Table
	fm    *freemap.Bitmap
	mgr   *inode.Manager
}

func init() { RegisterTestSuite(&InodeTest{}) }

func (t *InodeTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.dev = device.NewMemDevice(testSectorCount)
	t.clock.SetTime(time.Now())
	t.cache = cache.New(t.dev, &t.clock)
	t.fm = freemap.New(testSectorCount)
	t.mgr = inode.NewManager(t.cache, t.fm)
}

func (t *InodeTest) alloc() uint32 {
	s, ok := t.fm.Allocate(1)
	AssertTrue(ok)
	return s
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *InodeTest) WriteThenReadRoundTrips() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	src := []byte("the quick brown fox")
	n, err := in.WriteAt(t.ctx, src, 10)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)

	length, err := in.Length(t.ctx)
	AssertEq(nil, err)
	ExpectEq(int64(10+len(src)), length)

	dst := make([]byte, len(src))
	n, err = in.ReadAt(t.ctx, dst, 10)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *InodeTest) WriteExtendsThroughIndirectBlock() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	// Land a write past the direct blocks, into the singly indirect range.
	offset := int64(diskfmt.NumDirect) * diskfmt.SectorBytes
	src := []byte("past the direct pointers")
	n, err := in.WriteAt(t.ctx, src, offset)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)

	dst := make([]byte, len(src))
	n, err = in.ReadAt(t.ctx, dst, offset)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *InodeTest) WriteSpanningDirectIndirectBoundaryAllocatesIndirectBlock() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	// Sector index 122 is the last direct pointer; a write starting there
	// longer than one sector must cross into the singly indirect range.
	offset := int64(diskfmt.NumDirect-1) * diskfmt.SectorBytes
	src := make([]byte, diskfmt.SectorBytes+10)
	for i := range src {
		src[i] = byte(i)
	}
	n, err := in.WriteAt(t.ctx, src, offset)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)

	dst := make([]byte, len(src))
	n, err = in.ReadAt(t.ctx, dst, offset)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *InodeTest) WriteSpanningIndirectDoublyIndirectBoundaryAllocatesDoublyIndirectBlock() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	// Sector index 250 (123 direct + 127 singly indirect) is the last
	// singly indirect pointer; a write starting there longer than one
	// sector must cross into the doubly indirect range.
	offset := int64(diskfmt.NumDirect+diskfmt.PtrsPerIndirect-1) * diskfmt.SectorBytes
	src := make([]byte, diskfmt.SectorBytes+10)
	for i := range src {
		src[i] = byte(i)
	}
	n, err := in.WriteAt(t.ctx, src, offset)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)

	dst := make([]byte, len(src))
	n, err = in.ReadAt(t.ctx, dst, offset)
	AssertEq(nil, err)
	ExpectEq(int64(len(src)), n)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *InodeTest) WriteOneByteBeyondMaxFileSizeFailsWithoutExtending() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	n, err := in.WriteAt(t.ctx, []byte{1}, diskfmt.MaxFileSize)
	AssertEq(nil, err)
	ExpectEq(0, n)

	length, err := in.Length(t.ctx)
	AssertEq(nil, err)
	ExpectEq(0, length)
}

func (t *InodeTest) ReadPastEndOfFileReturnsZero() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 10, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	dst := make([]byte, 5)
	n, err := in.ReadAt(t.ctx, dst, 10)
	AssertEq(nil, err)
	ExpectEq(0, n)
}

func (t *InodeTest) SetLengthGrowsThenShrinks() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	AssertEq(nil, in.SetLength(t.ctx, 1000))
	length, err := in.Length(t.ctx)
	AssertEq(nil, err)
	ExpectEq(1000, length)

	// Newly grown bytes read back as zero.
	dst := make([]byte, 10)
	n, err := in.ReadAt(t.ctx, dst, 500)
	AssertEq(nil, err)
	ExpectEq(10, n)
	for _, b := range dst {
		AssertEq(0, b)
	}

	AssertEq(nil, in.SetLength(t.ctx, 10))
	length, err = in.Length(t.ctx)
	AssertEq(nil, err)
	ExpectEq(10, length)
}

func (t *InodeTest) DenyWriteBlocksWriteAt() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	defer t.mgr.Close(t.ctx, in)

	in.DenyWrite()
	n, err := in.WriteAt(t.ctx, []byte("nope"), 0)
	AssertEq(nil, err)
	ExpectEq(0, n)

	in.AllowWrite()
	n, err = in.WriteAt(t.ctx, []byte("now"), 0)
	AssertEq(nil, err)
	ExpectEq(3, n)
}

func (t *InodeTest) ManagerOpenDedupesBySector() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	a, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	b, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)

	ExpectEq(a, b)

	AssertEq(nil, t.mgr.Close(t.ctx, a))
	AssertEq(nil, t.mgr.Close(t.ctx, b))
}

func (t *InodeTest) DestroyReleasesDataSectors() {
	sector := t.alloc()
	AssertEq(nil, inode.Create(t.ctx, t.cache, t.fm, sector, 0, false))

	in, err := t.mgr.Open(t.ctx, sector)
	AssertEq(nil, err)
	_, err = in.WriteAt(t.ctx, []byte("data"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.mgr.Close(t.ctx, in))

	before := t.fm.Bits()
	countBefore := countSetBits(before)

	AssertEq(nil, inode.Destroy(t.ctx, t.cache, t.fm, sector))
	t.fm.Release(sector, 1)

	countAfter := countSetBits(t.fm.Bits())
	ExpectLt(countAfter, countBefore)
}

func countSetBits(bits []byte) int {
	n := 0
	for _, b := range bits {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}
