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

package directory

import (
	"context"

	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/ferrors"
	"github.com/AKINGcsq/pintosfs/inode"
	"github.com/jacobsa/reqtrace"
)

// Add inserts a name-to-inode record for name in dir, resolving any
// leading path components first (spec.md §4.3.3, pintos dir_add). It
// fails if name is empty, too long, already present, or resolves through
// a non-directory component.
func Add(ctx context.Context, mgr *inode.Manager, dir *Dir, name string, inodeSector uint32) (err error) {
	_, report := reqtrace.StartSpan(ctx, "directory.Add")
	defer func() { report(err) }()

	resolved, last, selfRef, err := nameResolution(ctx, mgr, dir, name)
	if err != nil {
		return err
	}
	defer Close(ctx, resolved)

	if selfRef {
		return ferrors.ErrDenied
	}
	if last == "" || len(last) > diskfmt.NameMax {
		return ferrors.ErrNameInvalid
	}

	if _, _, found, lerr := lookupShallow(ctx, resolved, last); lerr != nil {
		return lerr
	} else if found {
		return ferrors.ErrDenied
	}

	buf := make([]byte, diskfmt.DirEntrySize)
	var ofs int64
	for ofs = 0; ; ofs += diskfmt.DirEntrySize {
		n, rerr := resolved.in.ReadAt(ctx, buf, ofs)
		if rerr != nil {
			return rerr
		}
		if n < diskfmt.DirEntrySize {
			break
		}
		if cand := diskfmt.UnmarshalDirEntry(buf); !cand.InUse {
			break
		}
	}

	e := diskfmt.NewDirEntry(inodeSector, last, true)
	written, werr := resolved.in.WriteAt(ctx, e.Marshal(), ofs)
	if werr != nil {
		return werr
	}
	if written != diskfmt.DirEntrySize {
		return ferrors.ErrResourceExhausted
	}
	return nil
}

// Remove deletes the entry named name from dir (spec.md §4.3.4, pintos
// dir_remove). Removing a directory fails unless it is empty (aside from
// its own "." and ".." entries) and has no other open handle; the root
// directory can never be removed. The underlying inode is only marked for
// deletion here — its sectors are reclaimed when its last open handle
// closes (inode.Manager.Close).
func Remove(ctx context.Context, mgr *inode.Manager, dir *Dir, name string) (err error) {
	_, report := reqtrace.StartSpan(ctx, "directory.Remove")
	defer func() { report(err) }()

	resolved, last, selfRef, err := nameResolution(ctx, mgr, dir, name)
	if err != nil {
		return err
	}
	defer Close(ctx, resolved)

	if selfRef {
		return ferrors.ErrDenied
	}

	e, ofs, found, lerr := lookupShallow(ctx, resolved, last)
	if lerr != nil {
		return lerr
	}
	if !found {
		return ferrors.ErrNotFound
	}
	if e.InodeSector == diskfmt.RootDirSector {
		return ferrors.ErrDenied
	}

	child, oerr := mgr.Open(ctx, e.InodeSector)
	if oerr != nil {
		return oerr
	}

	isDir, ierr := child.IsDir(ctx)
	if ierr != nil {
		mgr.Close(ctx, child)
		return ierr
	}

	if isDir {
		childDir := Open(child, mgr)
		_, has, rerr := Readdir(ctx, childDir)
		if rerr != nil {
			Close(ctx, childDir)
			return rerr
		}
		if has {
			Close(ctx, childDir)
			return ferrors.ErrBusy
		}
		if !child.RemoveIfUnique() {
			Close(ctx, childDir)
			return ferrors.ErrBusy
		}

		e.InUse = false
		if _, werr := resolved.in.WriteAt(ctx, e.Marshal(), ofs); werr != nil {
			Close(ctx, childDir)
			return werr
		}
		return Close(ctx, childDir)
	}

	child.MarkRemoved()
	e.InUse = false
	if _, werr := resolved.in.WriteAt(ctx, e.Marshal(), ofs); werr != nil {
		mgr.Close(ctx, child)
		return werr
	}
	return mgr.Close(ctx, child)
}

// Readdir returns the next entry in d's scan, skipping "." and ".."
// (spec.md §4.3.5, pintos dir_readdir). ok is false once the scan is
// exhausted.
func Readdir(ctx context.Context, d *Dir) (name string, ok bool, err error) {
	buf := make([]byte, diskfmt.DirEntrySize)
	for {
		n, rerr := d.in.ReadAt(ctx, buf, d.pos)
		if rerr != nil {
			return "", false, rerr
		}
		if n < diskfmt.DirEntrySize {
			return "", false, nil
		}
		d.pos += diskfmt.DirEntrySize

		e := diskfmt.UnmarshalDirEntry(buf)
		if !e.InUse {
			continue
		}
		if s := e.NameString(); s != "." && s != ".." {
			return s, true, nil
		}
	}
}

// AddParent adds a ".." entry to dir pointing at the directory that name
// resolves through when looked up starting at search (spec.md §4.3.6,
// pintos dir_add_parent). It is used by mkdir to link a freshly created
// subdirectory back to its parent.
func AddParent(ctx context.Context, mgr *inode.Manager, dir *Dir, search *Dir, name string) (err error) {
	_, report := reqtrace.StartSpan(ctx, "directory.AddParent")
	defer func() { report(err) }()

	parent, _, _, rerr := nameResolution(ctx, mgr, search, name)
	if rerr != nil {
		return rerr
	}
	defer Close(ctx, parent)

	return Add(ctx, mgr, dir, "..", parent.Inode().Sector())
}
