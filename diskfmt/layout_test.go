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

package diskfmt_test

import (
	"testing"

	"github.com/AKINGcsq/pintosfs/diskfmt"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestLayout(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type LayoutTest struct {
}

func init() { RegisterTestSuite(&LayoutTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *LayoutTest) DiskInodeRoundTrips() {
	in := diskfmt.DiskInode{
		Magic:          diskfmt.InodeMagic,
		Length:         12345,
		IsDir:          true,
		Direct:         [diskfmt.NumDirect]uint32{1, 2, 3},
		Indirect:       7,
		DoublyIndirect: 8,
	}

	got := diskfmt.UnmarshalDiskInode(in.Marshal())
	ExpectEq(in.Magic, got.Magic)
	ExpectEq(in.Length, got.Length)
	ExpectEq(in.IsDir, got.IsDir)
	ExpectEq(in.Direct[0], got.Direct[0])
	ExpectEq(in.Direct[1], got.Direct[1])
	ExpectEq(in.Direct[2], got.Direct[2])
	ExpectEq(in.Indirect, got.Indirect)
	ExpectEq(in.DoublyIndirect, got.DoublyIndirect)
}

func (t *LayoutTest) IndirectBlockRoundTrips() {
	var blk diskfmt.IndirectBlock
	blk.Ptrs[0] = 42
	blk.Ptrs[diskfmt.PtrsPerIndirect-1] = 99

	got := diskfmt.UnmarshalIndirectBlock(blk.Marshal())
	ExpectEq(blk.Ptrs[0], got.Ptrs[0])
	ExpectEq(blk.Ptrs[diskfmt.PtrsPerIndirect-1], got.Ptrs[diskfmt.PtrsPerIndirect-1])
}

func (t *LayoutTest) DirEntryRoundTrips() {
	e := diskfmt.NewDirEntry(7, "a-name", true)
	got := diskfmt.UnmarshalDirEntry(e.Marshal())
	ExpectEq(e.InodeSector, got.InodeSector)
	ExpectTrue(got.InUse)
	ExpectEq("a-name", got.NameString())
}

func (t *LayoutTest) BytesToSectorsRoundsUp() {
	ExpectEq(0, diskfmt.BytesToSectors(0))
	ExpectEq(1, diskfmt.BytesToSectors(1))
	ExpectEq(1, diskfmt.BytesToSectors(diskfmt.SectorBytes))
	ExpectEq(2, diskfmt.BytesToSectors(diskfmt.SectorBytes+1))
}
