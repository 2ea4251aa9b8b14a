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

// Command mountfs mounts a pintosfs-formatted block device as a FUSE file
// system, translating kernel ops directly onto the cache/inode/directory
// layers rather than through fs.Session's path-and-descriptor API: FUSE
// already hands us a parent inode and a child name instead of a path
// string, and a kernel-assigned handle instead of an fd we'd mint
// ourselves.
package main

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/AKINGcsq/pintosfs/cache"
	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/directory"
	"github.com/AKINGcsq/pintosfs/ferrors"
	"github.com/AKINGcsq/pintosfs/freemap"
	"github.com/AKINGcsq/pintosfs/inode"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
)

// attrTTL is how long the kernel may cache attributes and dentries we hand
// back. Nothing here mutates behind the kernel's back outside of what it
// asked for, so a long TTL is safe, matching samples/memfs's reasoning.
const attrTTL = 365 * 24 * time.Hour

// pintosFS implements fuseutil.FileSystem directly atop the cache, inode
// and directory layers of a mounted pintosfs volume. Inode IDs are sector
// numbers: the on-disk inumber of spec.md §4.2.10 already is the identifier
// FUSE wants, so there is no separate inode table to maintain.
type pintosFS struct {
	fuseutil.NotImplementedFileSystem

	clock timeutil.Clock
	cache *cache.Table
	fm    *freemap.Bitmap
	mgr   *inode.Manager

	mu sync.Mutex // guards everything below

	uid, gid uint32

	// refCount and openIno track the reference the kernel holds on an
	// inode ID between a LookUpInode/MkDir/CreateFile that minted it and
	// the ForgetInode that releases it (spec.md §4.2.7's open-count
	// bookkeeping, driven here by the kernel instead of a Session).
	refCount map[fuseops.InodeID]int
	openIno  map[fuseops.InodeID]*inode.Inode

	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]*dirHandle
	fileHandles map[fuseops.HandleID]*inode.Inode
}

type dirHandle struct {
	entries []fuseops.Dirent
}

func newPintosFS(clock timeutil.Clock, c *cache.Table, fm *freemap.Bitmap, mgr *inode.Manager) *pintosFS {
	return &pintosFS{
		clock:       clock,
		cache:       c,
		fm:          fm,
		mgr:         mgr,
		refCount:    make(map[fuseops.InodeID]int),
		openIno:     make(map[fuseops.InodeID]*inode.Inode),
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]*inode.Inode),
	}
}

// errnoFor translates the flat ferrors sentinels of spec.md §4 into the
// errno values the kernel understands, the same translation job
// userprog/syscall.c's dispatcher did by mapping straight to a process's
// return value.
func errnoFor(err error) error {
	switch err {
	case nil:
		return nil
	case ferrors.ErrNotFound:
		return fuse.ENOENT
	case ferrors.ErrNotADirectory:
		return syscall.ENOTDIR
	case ferrors.ErrNameInvalid:
		return syscall.EINVAL
	case ferrors.ErrResourceExhausted:
		return syscall.ENOSPC
	case ferrors.ErrBusy:
		return syscall.ENOTEMPTY
	case ferrors.ErrDenied:
		return syscall.EEXIST
	default:
		return err
	}
}

// saveFreeMap persists the free map bitmap to its reserved sector, the same
// bookkeeping fs.Session does after Create and Mkdir; this adapter
// drives the free map directly instead of through a Session, so it must do
// this itself.
func saveFreeMap(ctx context.Context, fs *pintosFS) error {
	bits := fs.fm.Bits()
	buf := make([]byte, diskfmt.SectorBytes)
	copy(buf, bits)
	return fs.cache.WriteAt(ctx, diskfmt.BitmapSector, buf, diskfmt.SectorBytes, 0)
}

func (fs *pintosFS) allocHandle() fuseops.HandleID {
	fs.nextHandle++
	return fs.nextHandle
}

// addRef records a kernel-held reference to an already mgr.Open'd inode,
// for ForgetInode to later balance with exactly one mgr.Close.
func (fs *pintosFS) addRef(id fuseops.InodeID, in *inode.Inode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.refCount[id]++
	fs.openIno[id] = in
}

func (fs *pintosFS) attrsForInode(ctx context.Context, in *inode.Inode) (fuseops.InodeAttributes, error) {
	length, err := in.Length(ctx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	isDir, err := in.IsDir(ctx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	mode := os.FileMode(0644)
	if isDir {
		mode = os.ModeDir | 0755
	}

	now := fs.clock.Now()
	fs.mu.Lock()
	uid, gid := fs.uid, fs.gid
	fs.mu.Unlock()

	return fuseops.InodeAttributes{
		Size:  uint64(length),
		Nlink: 1,
		Mode:  mode,
		Atime: now,
		Mtime: now,
		Ctime: now,
		Uid:   uid,
		Gid:   gid,
	}, nil
}

func (fs *pintosFS) attrsForSector(ctx context.Context, sector uint32) (fuseops.InodeAttributes, error) {
	in, err := fs.mgr.Open(ctx, sector)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	defer fs.mgr.Close(ctx, in)
	return fs.attrsForInode(ctx, in)
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *pintosFS) Init(op *fuseops.InitOp) {
	fs.mu.Lock()
	fs.uid = op.Header.Uid
	fs.gid = op.Header.Gid
	fs.mu.Unlock()
	op.Respond(nil)
}

func (fs *pintosFS) LookUpInode(op *fuseops.LookUpInodeOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	parentIn, perr := fs.mgr.Open(ctx, uint32(op.Parent))
	if perr != nil {
		err = errnoFor(perr)
		return
	}
	parentDir := directory.Open(parentIn, fs.mgr)
	defer directory.Close(ctx, parentDir)

	child, lerr := directory.LookupChild(ctx, fs.mgr, parentDir, op.Name)
	if lerr != nil {
		err = errnoFor(lerr)
		return
	}

	attrs, aerr := fs.attrsForInode(ctx, child)
	if aerr != nil {
		fs.mgr.Close(ctx, child)
		err = aerr
		return
	}

	id := fuseops.InodeID(child.Sector())
	fs.addRef(id, child)

	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           attrs,
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
}

func (fs *pintosFS) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	attrs, aerr := fs.attrsForSector(ctx, uint32(op.Inode))
	if aerr != nil {
		err = errnoFor(aerr)
		return
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
}

// SetInodeAttributes supports only a size change (truncate/extend, spec.md
// §4.2.10's SetLength); mode and timestamps are accepted but not stored,
// since a disk inode carries neither permission bits nor timestamps.
func (fs *pintosFS) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	if op.Size != nil {
		in, oerr := fs.mgr.Open(ctx, uint32(op.Inode))
		if oerr != nil {
			err = errnoFor(oerr)
			return
		}
		serr := in.SetLength(ctx, int64(*op.Size))
		fs.mgr.Close(ctx, in)
		if serr != nil {
			err = errnoFor(serr)
			return
		}
	}

	attrs, aerr := fs.attrsForSector(ctx, uint32(op.Inode))
	if aerr != nil {
		err = errnoFor(aerr)
		return
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
}

func (fs *pintosFS) ForgetInode(op *fuseops.ForgetInodeOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	fs.mu.Lock()
	in, ok := fs.openIno[op.ID]
	if ok {
		fs.refCount[op.ID]--
		if fs.refCount[op.ID] <= 0 {
			delete(fs.refCount, op.ID)
			delete(fs.openIno, op.ID)
		}
	}
	fs.mu.Unlock()

	if ok {
		err = fs.mgr.Close(ctx, in)
	}
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

func (fs *pintosFS) MkDir(op *fuseops.MkDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	parentIn, perr := fs.mgr.Open(ctx, uint32(op.Parent))
	if perr != nil {
		err = errnoFor(perr)
		return
	}
	parentDir := directory.Open(parentIn, fs.mgr)
	defer directory.Close(ctx, parentDir)

	sector, ok := fs.fm.Allocate(1)
	if !ok {
		err = syscall.ENOSPC
		return
	}
	if cerr := inode.Create(ctx, fs.cache, fs.fm, sector, 0, true); cerr != nil {
		fs.fm.Release(sector, 1)
		err = errnoFor(cerr)
		return
	}
	if aerr := directory.Add(ctx, fs.mgr, parentDir, op.Name, sector); aerr != nil {
		inode.Destroy(ctx, fs.cache, fs.fm, sector)
		fs.fm.Release(sector, 1)
		err = errnoFor(aerr)
		return
	}
	if serr := saveFreeMap(ctx, fs); serr != nil {
		err = serr
		return
	}

	// From here on, the entry is visible in parentDir; if the "." or ".."
	// bootstrap below fails, unwind by removing it again rather than
	// leaving a directory entry with no working internal structure.
	child, oerr := fs.mgr.Open(ctx, sector)
	if oerr != nil {
		directory.Remove(ctx, fs.mgr, parentDir, op.Name)
		saveFreeMap(ctx, fs)
		err = errnoFor(oerr)
		return
	}
	childDir := directory.Open(child, fs.mgr)

	if aerr := directory.Add(ctx, fs.mgr, childDir, ".", sector); aerr != nil {
		directory.Close(ctx, childDir)
		directory.Remove(ctx, fs.mgr, parentDir, op.Name)
		saveFreeMap(ctx, fs)
		err = errnoFor(aerr)
		return
	}
	if aerr := directory.AddParent(ctx, fs.mgr, childDir, parentDir, op.Name); aerr != nil {
		directory.Close(ctx, childDir)
		directory.Remove(ctx, fs.mgr, parentDir, op.Name)
		saveFreeMap(ctx, fs)
		err = errnoFor(aerr)
		return
	}

	attrs, aerr := fs.attrsForInode(ctx, child)
	directory.Close(ctx, childDir)
	if aerr != nil {
		err = aerr
		return
	}

	entryIn, oerr := fs.mgr.Open(ctx, sector)
	if oerr != nil {
		err = errnoFor(oerr)
		return
	}
	id := fuseops.InodeID(sector)
	fs.addRef(id, entryIn)

	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           attrs,
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
}

func (fs *pintosFS) CreateFile(op *fuseops.CreateFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	parentIn, perr := fs.mgr.Open(ctx, uint32(op.Parent))
	if perr != nil {
		err = errnoFor(perr)
		return
	}
	parentDir := directory.Open(parentIn, fs.mgr)
	defer directory.Close(ctx, parentDir)

	sector, ok := fs.fm.Allocate(1)
	if !ok {
		err = syscall.ENOSPC
		return
	}
	if cerr := inode.Create(ctx, fs.cache, fs.fm, sector, 0, false); cerr != nil {
		fs.fm.Release(sector, 1)
		err = errnoFor(cerr)
		return
	}
	if aerr := directory.Add(ctx, fs.mgr, parentDir, op.Name, sector); aerr != nil {
		inode.Destroy(ctx, fs.cache, fs.fm, sector)
		fs.fm.Release(sector, 1)
		err = errnoFor(aerr)
		return
	}
	if serr := saveFreeMap(ctx, fs); serr != nil {
		err = serr
		return
	}

	entryIn, oerr := fs.mgr.Open(ctx, sector)
	if oerr != nil {
		err = errnoFor(oerr)
		return
	}
	attrs, aerr := fs.attrsForInode(ctx, entryIn)
	if aerr != nil {
		fs.mgr.Close(ctx, entryIn)
		err = aerr
		return
	}

	id := fuseops.InodeID(sector)
	fs.addRef(id, entryIn)

	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           attrs,
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}

	handleIn, herr := fs.mgr.Open(ctx, sector)
	if herr != nil {
		err = errnoFor(herr)
		return
	}
	fs.mu.Lock()
	handle := fs.allocHandle()
	fs.fileHandles[handle] = handleIn
	fs.mu.Unlock()
	op.Handle = handle
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

func (fs *pintosFS) RmDir(op *fuseops.RmDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	parentIn, perr := fs.mgr.Open(ctx, uint32(op.Parent))
	if perr != nil {
		err = errnoFor(perr)
		return
	}
	parentDir := directory.Open(parentIn, fs.mgr)
	defer directory.Close(ctx, parentDir)

	if rerr := directory.Remove(ctx, fs.mgr, parentDir, op.Name); rerr != nil {
		err = errnoFor(rerr)
	}
}

func (fs *pintosFS) Unlink(op *fuseops.UnlinkOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	parentIn, perr := fs.mgr.Open(ctx, uint32(op.Parent))
	if perr != nil {
		err = errnoFor(perr)
		return
	}
	parentDir := directory.Open(parentIn, fs.mgr)
	defer directory.Close(ctx, parentDir)

	if rerr := directory.Remove(ctx, fs.mgr, parentDir, op.Name); rerr != nil {
		err = errnoFor(rerr)
	}
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *pintosFS) OpenDir(op *fuseops.OpenDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	in, oerr := fs.mgr.Open(ctx, uint32(op.Inode))
	if oerr != nil {
		err = errnoFor(oerr)
		return
	}
	dir := directory.Open(in, fs.mgr)
	defer directory.Close(ctx, dir)

	parentSector := uint32(op.Inode)
	if op.Inode != fuseops.InodeID(diskfmt.RootDirSector) {
		if parentIn, lerr := directory.LookupChild(ctx, fs.mgr, dir, ".."); lerr == nil {
			parentSector = parentIn.Sector()
			fs.mgr.Close(ctx, parentIn)
		}
	}

	entries := []fuseops.Dirent{
		{Offset: 1, Inode: op.Inode, Name: ".", Type: fuseops.DT_Directory},
		{Offset: 2, Inode: fuseops.InodeID(parentSector), Name: "..", Type: fuseops.DT_Directory},
	}

	for {
		name, ok, rerr := directory.Readdir(ctx, dir)
		if rerr != nil {
			err = errnoFor(rerr)
			return
		}
		if !ok {
			break
		}

		child, cerr := directory.LookupChild(ctx, fs.mgr, dir, name)
		if cerr != nil {
			err = errnoFor(cerr)
			return
		}
		isDir, ierr := child.IsDir(ctx)
		fs.mgr.Close(ctx, child)
		if ierr != nil {
			err = ierr
			return
		}

		typ := fuseops.DT_File
		if isDir {
			typ = fuseops.DT_Directory
		}
		entries = append(entries, fuseops.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  fuseops.InodeID(child.Sector()),
			Name:   name,
			Type:   typ,
		})
	}

	fs.mu.Lock()
	handle := fs.allocHandle()
	fs.dirHandles[handle] = &dirHandle{entries: entries}
	fs.mu.Unlock()
	op.Handle = handle
}

func (fs *pintosFS) ReadDir(op *fuseops.ReadDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)

	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		err = syscall.EINVAL
		return
	}

	buf := make([]byte, op.Size)
	used := 0
	for i := int(op.Offset); i < len(dh.entries); i++ {
		n := fuseutil.WriteDirent(buf[used:], dh.entries[i])
		if n == 0 {
			break
		}
		used += n
	}
	op.Data = buf[:used]
}

func (fs *pintosFS) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *pintosFS) OpenFile(op *fuseops.OpenFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	in, oerr := fs.mgr.Open(ctx, uint32(op.Inode))
	if oerr != nil {
		err = errnoFor(oerr)
		return
	}

	fs.mu.Lock()
	handle := fs.allocHandle()
	fs.fileHandles[handle] = in
	fs.mu.Unlock()
	op.Handle = handle
}

func (fs *pintosFS) ReadFile(op *fuseops.ReadFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	fs.mu.Lock()
	in, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		err = syscall.EINVAL
		return
	}

	buf := make([]byte, op.Size)
	n, rerr := in.ReadAt(ctx, buf, op.Offset)
	if rerr != nil {
		err = errnoFor(rerr)
		return
	}
	op.Data = buf[:n]
}

func (fs *pintosFS) WriteFile(op *fuseops.WriteFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	fs.mu.Lock()
	in, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		err = syscall.EINVAL
		return
	}

	if _, werr := in.WriteAt(ctx, op.Data, op.Offset); werr != nil {
		err = errnoFor(werr)
	}
}

func (fs *pintosFS) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	ctx := context.Background()

	fs.mu.Lock()
	in, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return
	}
	err = fs.mgr.Close(ctx, in)
}
