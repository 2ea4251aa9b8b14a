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

package fs_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/AKINGcsq/pintosfs/device"
	"github.com/AKINGcsq/pintosfs/fs"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

func TestFS(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const testSectorCount = 4096

type FSTest struct {
	ctx     context.Context
	clock   timeutil.SimulatedClock
	dev     *device.MemDevice
	volume  *fs.FileSystem
	session *fs.Session
}

func init() { RegisterTestSuite(&FSTest{}) }

func (t *FSTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.dev = device.NewMemDevice(testSectorCount)
	t.clock.SetTime(time.Now())

	var err error
	t.volume, err = fs.Format(t.ctx, t.dev, &t.clock)
	AssertEq(nil, err)

	t.session, err = t.volume.NewSession(t.ctx)
	AssertEq(nil, err)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *FSTest) CreateOpenWriteReadRoundTrips() {
	AssertEq(nil, t.session.Create(t.ctx, "foo.txt", 0))

	fd, err := t.session.Open(t.ctx, "foo.txt")
	AssertEq(nil, err)

	n, err := t.session.Write(t.ctx, fd, []byte("hello, pintosfs"))
	AssertEq(nil, err)
	ExpectEq(15, n)

	AssertEq(nil, t.session.Seek(t.ctx, fd, 0))
	dst := make([]byte, 15)
	n, err = t.session.Read(t.ctx, fd, dst)
	AssertEq(nil, err)
	ExpectEq(15, n)
	ExpectTrue(bytes.Equal([]byte("hello, pintosfs"), dst))

	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) WriteAdvancesPositionAndExtendsLength() {
	AssertEq(nil, t.session.Create(t.ctx, "a", 0))
	fd, err := t.session.Open(t.ctx, "a")
	AssertEq(nil, err)

	_, err = t.session.Write(t.ctx, fd, []byte("abc"))
	AssertEq(nil, err)

	pos, err := t.session.Tell(t.ctx, fd)
	AssertEq(nil, err)
	ExpectEq(3, pos)

	size, err := t.session.Filesize(t.ctx, fd)
	AssertEq(nil, err)
	ExpectEq(3, size)
}

func (t *FSTest) CacheEffectivenessReadPassHasFewerMissesThanWritePass() {
	const size = 30000
	AssertEq(nil, t.session.Create(t.ctx, "big", 0))
	fd, err := t.session.Open(t.ctx, "big")
	AssertEq(nil, err)

	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i)
	}
	_, err = t.session.Write(t.ctx, fd, src)
	AssertEq(nil, err)
	writeMisses := t.session.MissRate()
	writeHits := t.session.HitRate()

	t.session.ResetCache()
	AssertEq(nil, t.session.Seek(t.ctx, fd, 0))
	dst := make([]byte, size)
	_, err = t.session.Read(t.ctx, fd, dst)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(src, dst))

	readMisses := t.session.MissRate()
	readHits := t.session.HitRate()
	ExpectTrue(readMisses < writeMisses)
	ExpectTrue(readHits >= writeHits)

	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) WriteCoalescingKeepsDeviceWritesWellBelowSectorCount() {
	const size = 64000
	AssertEq(nil, t.session.Create(t.ctx, "coalesced", 0))
	fd, err := t.session.Open(t.ctx, "coalesced")
	AssertEq(nil, err)

	writesBefore := t.dev.WriteCount()

	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i * 7)
	}
	_, err = t.session.Write(t.ctx, fd, src)
	AssertEq(nil, err)

	AssertEq(nil, t.session.Seek(t.ctx, fd, 0))
	dst := make([]byte, size)
	_, err = t.session.Read(t.ctx, fd, dst)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(src, dst))

	// The file spans 125 data sectors plus an indirect block, more than the
	// 64 cache slots hold, so evictions must write some dirty sectors back
	// (more than 64 device writes); repeated writes to a resident sector are
	// absorbed by the write-back cache, keeping the total under 256.
	writesDuring := t.dev.WriteCount() - writesBefore
	ExpectTrue(writesDuring > 64)
	ExpectTrue(writesDuring < 256)

	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) SeekTellRoundTrip() {
	const size = 1234
	AssertEq(nil, t.session.Create(t.ctx, "seeker", 0))
	fd, err := t.session.Open(t.ctx, "seeker")
	AssertEq(nil, err)

	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i * 3)
	}
	_, err = t.session.Write(t.ctx, fd, src)
	AssertEq(nil, err)

	pos, err := t.session.Tell(t.ctx, fd)
	AssertEq(nil, err)
	ExpectEq(size, pos)

	AssertEq(nil, t.session.Seek(t.ctx, fd, 0))
	pos, err = t.session.Tell(t.ctx, fd)
	AssertEq(nil, err)
	ExpectEq(0, pos)

	AssertEq(nil, t.session.Seek(t.ctx, fd, 197))
	pos, err = t.session.Tell(t.ctx, fd)
	AssertEq(nil, err)
	ExpectEq(197, pos)

	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) SparseExtensionReadsBackZeroedGap() {
	AssertEq(nil, t.session.Create(t.ctx, "sparse", 0))
	fd, err := t.session.Open(t.ctx, "sparse")
	AssertEq(nil, err)

	AssertEq(nil, t.session.Seek(t.ctx, fd, 2048))
	n, err := t.session.Write(t.ctx, fd, []byte{1, 2, 3, 4})
	AssertEq(nil, err)
	ExpectEq(4, n)

	size, err := t.session.Filesize(t.ctx, fd)
	AssertEq(nil, err)
	ExpectEq(2052, size)

	AssertEq(nil, t.session.Seek(t.ctx, fd, 0))
	gap := make([]byte, 2048)
	n, err = t.session.Read(t.ctx, fd, gap)
	AssertEq(nil, err)
	ExpectEq(2048, n)
	for _, b := range gap {
		AssertEq(0, b)
	}

	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) DirectoryLifecycleEndToEnd() {
	AssertEq(nil, t.session.Mkdir(t.ctx, "a"))
	AssertEq(nil, t.session.Chdir(t.ctx, "a"))
	AssertEq(nil, t.session.Mkdir(t.ctx, "b"))
	AssertEq(nil, t.session.Chdir(t.ctx, ".."))

	fd, err := t.session.Open(t.ctx, "a")
	AssertEq(nil, err)
	name, ok, rerr := t.session.Readdir(t.ctx, fd)
	AssertEq(nil, rerr)
	AssertTrue(ok)
	ExpectEq("b", name)

	_, ok, rerr = t.session.Readdir(t.ctx, fd)
	AssertEq(nil, rerr)
	ExpectFalse(ok)
	AssertEq(nil, t.session.CloseFd(t.ctx, fd))

	ExpectNe(nil, t.session.Remove(t.ctx, "a"))
	AssertEq(nil, t.session.Remove(t.ctx, "a/b"))
	AssertEq(nil, t.session.Remove(t.ctx, "a"))
}

func (t *FSTest) MkdirChdirAndRelativeLookupWork() {
	AssertEq(nil, t.session.Mkdir(t.ctx, "dir"))
	AssertEq(nil, t.session.Chdir(t.ctx, "dir"))
	AssertEq(nil, t.session.Create(t.ctx, "inner.txt", 0))

	fd, err := t.session.Open(t.ctx, "inner.txt")
	AssertEq(nil, err)
	AssertEq(nil, t.session.CloseFd(t.ctx, fd))

	AssertEq(nil, t.session.Chdir(t.ctx, ".."))
	fd, err = t.session.Open(t.ctx, "dir/inner.txt")
	AssertEq(nil, err)
	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) ReaddirListsChildren() {
	AssertEq(nil, t.session.Mkdir(t.ctx, "dir"))
	AssertEq(nil, t.session.Chdir(t.ctx, "dir"))
	AssertEq(nil, t.session.Create(t.ctx, "one", 0))
	AssertEq(nil, t.session.Create(t.ctx, "two", 0))
	AssertEq(nil, t.session.Chdir(t.ctx, ".."))

	fd, err := t.session.Open(t.ctx, "dir")
	AssertEq(nil, err)
	ExpectTrue(t.session.Isdir(fd))

	seen := map[string]bool{}
	for {
		name, ok, rerr := t.session.Readdir(t.ctx, fd)
		AssertEq(nil, rerr)
		if !ok {
			break
		}
		seen[name] = true
	}
	ExpectTrue(seen["one"])
	ExpectTrue(seen["two"])
	AssertEq(nil, t.session.CloseFd(t.ctx, fd))
}

func (t *FSTest) RemoveThenReopenFails() {
	AssertEq(nil, t.session.Create(t.ctx, "doomed", 0))
	AssertEq(nil, t.session.Remove(t.ctx, "doomed"))

	_, err := t.session.Open(t.ctx, "doomed")
	ExpectNe(nil, err)
}

func (t *FSTest) CacheCountersTrackHitsAndMisses() {
	t.session.ResetCache()
	AssertEq(nil, t.session.Create(t.ctx, "stat", 0))

	fd, err := t.session.Open(t.ctx, "stat")
	AssertEq(nil, err)
	_, err = t.session.Write(t.ctx, fd, []byte("x"))
	AssertEq(nil, err)
	AssertEq(nil, t.session.CloseFd(t.ctx, fd))

	ExpectTrue(t.session.HitRate()+t.session.MissRate() > 0)
}

func (t *FSTest) SurvivesUnmountRemount() {
	AssertEq(nil, t.session.Create(t.ctx, "persisted", 0))
	fd, err := t.session.Open(t.ctx, "persisted")
	AssertEq(nil, err)
	_, err = t.session.Write(t.ctx, fd, []byte("durable"))
	AssertEq(nil, err)
	AssertEq(nil, t.session.CloseFd(t.ctx, fd))

	AssertEq(nil, t.session.Close(t.ctx))
	AssertEq(nil, t.volume.Shutdown(t.ctx))

	remounted, err := fs.Mount(t.ctx, t.dev, &t.clock)
	AssertEq(nil, err)

	session, err := remounted.NewSession(t.ctx)
	AssertEq(nil, err)

	fd, err = session.Open(t.ctx, "persisted")
	AssertEq(nil, err)
	dst := make([]byte, len("durable"))
	n, err := session.Read(t.ctx, fd, dst)
	AssertEq(nil, err)
	ExpectEq(len("durable"), n)
	ExpectTrue(bytes.Equal([]byte("durable"), dst))
}
