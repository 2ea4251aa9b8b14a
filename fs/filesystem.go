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

// Package fs assembles the cache, inode and directory layers into the
// filesystem façade a dispatcher talks to: one FileSystem per mounted
// device, and one Session per client with its own current directory and
// descriptor table, mirroring the per-process file_info table of
// pintos's userprog/syscall.c.
package fs

import (
	"context"
	"fmt"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/device"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/directory"
	"github.com/AKINGcsq/pintosfs/freemap"
	"github.com/AKINGcsq/pintosfs/inode"
	"github.com/jacobsa/timeutil"
)

// maxBitmapBits is the largest sector count addressable by a free map that
// fits in the single reserved bitmap sector (spec.md §3.1).
const maxBitmapBits = diskfmt.SectorBytes * 8

// FileSystem is the shared, mounted state of one block device: its cache,
// free map and open-inodes table. It has no notion of "current directory"
// or file descriptors; those live per Session.
type FileSystem struct {
	dev     device.Device
	cache   *cache.Table
	freemap *freemap.Bitmap
	inodes  *inode.Manager
}

// Format initializes a fresh filesystem on dev: a zeroed free map with the
// bitmap and root directory sectors reserved, and an empty root directory.
func Format(ctx context.Context, dev device.Device, clock timeutil.Clock) (*FileSystem, error) {
	n := dev.SectorCount()
	if n > maxBitmapBits {
		return nil, fmt.Errorf("fs: device has %d sectors, exceeds %d addressable by the single-sector free map", n, maxBitmapBits)
	}

	fm := freemap.New(n)
	fm.Reserve(diskfmt.BitmapSector, 1)
	fm.Reserve(diskfmt.RootDirSector, 1)

	c := cache.New(dev, clock)
	mgr := inode.NewManager(c, fm)

	if err := directory.Create(ctx, c, fm, diskfmt.RootDirSector, 16); err != nil {
		return nil, err
	}

	fsys := &FileSystem{dev: dev, cache: c, freemap: fm, inodes: mgr}
	if err := fsys.saveFreeMap(ctx); err != nil {
		return nil, err
	}
	if err := c.FlushAll(ctx); err != nil {
		return nil, err
	}
	return fsys, nil
}

// Mount reads back a filesystem previously written by Format.
func Mount(ctx context.Context, dev device.Device, clock timeutil.Clock) (*FileSystem, error) {
	n := dev.SectorCount()
	if n > maxBitmapBits {
		return nil, fmt.Errorf("fs: device has %d sectors, exceeds %d addressable by the single-sector free map", n, maxBitmapBits)
	}

	c := cache.New(dev, clock)

	bits := make([]byte, diskfmt.SectorBytes)
	if err := c.ReadAt(ctx, diskfmt.BitmapSector, bits, diskfmt.SectorBytes, 0); err != nil {
		return nil, err
	}
	fm := freemap.NewFromBits(n, bits)

	mgr := inode.NewManager(c, fm)
	return &FileSystem{dev: dev, cache: c, freemap: fm, inodes: mgr}, nil
}

// saveFreeMap writes the in-memory free map bitmap back to its reserved
// sector. Callers must call this before Shutdown if the free map changed
// since the last call, since unlike inode/directory mutations it is not
// threaded through the cache on every allocate/release.
func (f *FileSystem) saveFreeMap(ctx context.Context) error {
	bits := f.freemap.Bits()
	buf := make([]byte, diskfmt.SectorBytes)
	copy(buf, bits)
	return f.cache.WriteAt(ctx, diskfmt.BitmapSector, buf, diskfmt.SectorBytes, 0)
}

// Shutdown persists the free map and flushes every dirty cache entry.
// Callers must not use f afterward.
func (f *FileSystem) Shutdown(ctx context.Context) error {
	if err := f.saveFreeMap(ctx); err != nil {
		return err
	}
	return f.cache.Shutdown(ctx)
}

// Cache, Freemap and Inodes expose the layers a FileSystem assembles, for a
// frontend (e.g. cmd/mountfs) that needs to drive them directly rather than
// through a Session's path-based, descriptor-table API.
func (f *FileSystem) Cache() *cache.Table      { return f.cache }
func (f *FileSystem) Freemap() *freemap.Bitmap { return f.freemap }
func (f *FileSystem) Inodes() *inode.Manager   { return f.inodes }

// SaveFreeMap persists the free map immediately. A Session does this itself
// after Create and Mkdir, and Shutdown does it once more; a frontend that
// bypasses Session must
// call it explicitly after any Freemap().Allocate/Release pair it drives on
// its own.
func (f *FileSystem) SaveFreeMap(ctx context.Context) error { return f.saveFreeMap(ctx) }

// HitRate, MissRate, ResetCache and WriteCount surface the buffer cache's
// effectiveness counters (spec.md §6.1), the SYS_HIT / SYS_MISS /
// SYS_RESET_CACHE / SYS_WRITE_CNT syscalls of the original dispatcher.
func (f *FileSystem) HitRate() float64 {
	hits, misses := f.cache.Hits(), f.cache.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (f *FileSystem) MissRate() float64 {
	hits, misses := f.cache.Hits(), f.cache.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(misses) / float64(hits+misses)
}

func (f *FileSystem) ResetCache() { f.cache.ResetStats() }

func (f *FileSystem) WriteCount() uint64 { return f.cache.WriteCount() }

// NewSession opens a client session rooted at the filesystem's root
// directory.
func (f *FileSystem) NewSession(ctx context.Context) (*Session, error) {
	root, err := directory.OpenRoot(ctx, f.inodes)
	if err != nil {
		return nil, err
	}
	return &Session{
		fs:     f,
		cwd:    root,
		files:  make(map[int]*handle),
		nextFd: 2, // 0 and 1 are reserved for stdin/stdout by convention.
	}, nil
}
