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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/user"
	"strconv"

	"github.com/AKINGcsq/pintosfs/device"
	"github.com/AKINGcsq/pintosfs/fs"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
)

var (
	fMountPoint = flag.String("mount_point", "", "Path to mount point.")
	fDisk       = flag.String("disk", "", "Path to the backing disk image file.")
	fSectors    = flag.Uint("sectors", 4096, "Sector count to format a fresh disk image with.")
	fFormat     = flag.Bool("format", false, "Format the disk image before mounting, discarding any existing contents.")
)

func main() {
	flag.Parse()

	if *fMountPoint == "" {
		log.Fatalf("You must set --mount_point.")
	}
	if *fDisk == "" {
		log.Fatalf("You must set --disk.")
	}

	clock := timeutil.RealClock()
	ctx := context.Background()

	var dev *device.FileDevice
	var err error
	if *fFormat {
		dev, err = device.CreateFileDevice(*fDisk, uint32(*fSectors))
	} else {
		if _, statErr := os.Stat(*fDisk); os.IsNotExist(statErr) {
			dev, err = device.CreateFileDevice(*fDisk, uint32(*fSectors))
			*fFormat = true
		} else {
			dev, err = device.OpenFileDevice(*fDisk, uint32(*fSectors))
		}
	}
	if err != nil {
		log.Fatalf("opening disk image: %v", err)
	}

	var volume *fs.FileSystem
	if *fFormat {
		volume, err = fs.Format(ctx, dev, clock)
	} else {
		volume, err = fs.Mount(ctx, dev, clock)
	}
	if err != nil {
		log.Fatalf("mounting filesystem: %v", err)
	}

	u, err := user.Current()
	if err != nil {
		log.Fatalf("user.Current: %v", err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		log.Fatalf("parsing uid: %v", err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		log.Fatalf("parsing gid: %v", err)
	}

	adapter := newPintosFS(clock, volume.Cache(), volume.Freemap(), volume.Inodes())
	adapter.uid = uint32(uid)
	adapter.gid = uint32(gid)

	server := fuseutil.NewFileSystemServer(adapter)
	cfg := &fuse.MountConfig{
		// Disable writeback caching so every write is seen by WriteFile
		// immediately, matching the write-through semantics the dispatcher
		// relies on for SYS_FILESIZE/SYS_TELL right after a write.
		DisableWritebackCaching: true,
	}

	mfs, err := fuse.Mount(*fMountPoint, server, cfg)
	if err != nil {
		log.Fatalf("Mount: %v", err)
	}

	if err := mfs.Join(ctx); err != nil {
		log.Fatalf("Join: %v", err)
	}

	if err := volume.Shutdown(ctx); err != nil {
		log.Fatalf("Shutdown: %v", err)
	}
	if err := dev.Close(); err != nil {
		log.Fatalf("closing disk image: %v", err)
	}
}
