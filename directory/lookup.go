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
	"strings"

	"github.com/AKINGcsq/pintosfs/diskfmt"
	"github.com/AKINGcsq/pintosfs/ferrors"
	"github.com/AKINGcsq/pintosfs/inode"
)

// lookupShallow scans dir's own entries for name, without descending into
// any path component (spec.md §4.3.2, pintos lookup_shallow).
func lookupShallow(ctx context.Context, dir *Dir, name string) (e diskfmt.DirEntry, ofs int64, found bool, err error) {
	buf := make([]byte, diskfmt.DirEntrySize)
	for ofs = 0; ; ofs += diskfmt.DirEntrySize {
		n, rerr := dir.in.ReadAt(ctx, buf, ofs)
		if rerr != nil {
			return diskfmt.DirEntry{}, 0, false, rerr
		}
		if n < diskfmt.DirEntrySize {
			return diskfmt.DirEntry{}, 0, false, nil
		}
		cand := diskfmt.UnmarshalDirEntry(buf)
		if cand.InUse && cand.NameString() == name {
			return cand, ofs, true, nil
		}
	}
}

// splitPath breaks name on '/', dropping empty components the way C's
// strtok_r does for repeated separators.
func splitPath(name string) []string {
	raw := strings.Split(name, "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// nameResolution walks every path component but the last, starting from
// dir (or the root, if name begins with '/'), opening each intermediate
// directory in turn. It returns the final directory reached and the last,
// unresolved path component, ready for a shallow lookup, add or remove
// (spec.md §4.3.1, pintos name_resolution).
//
// selfRef is true when name resolved to "retDir itself" rather than to any
// named component: this happens only when name is exactly "/" or empty
// after stripping a leading slash. Callers must special-case this rather
// than shallow-looking-up retName (which is set to "." only for display;
// the root directory carries no literal "." entry on disk), since a
// caller can also legitimately ask to resolve or write a literal
// slash-free name "." as an ordinary path component (e.g. bootstrapping a
// freshly created directory's own "." entry), which is a different case
// entirely despite retName reading the same.
func nameResolution(ctx context.Context, mgr *inode.Manager, dir *Dir, name string) (retDir *Dir, retName string, selfRef bool, err error) {
	retDir, err = Reopen(ctx, dir)
	if err != nil {
		return nil, "", false, err
	}

	if strings.HasPrefix(name, "/") {
		name = name[1:]
		if cerr := Close(ctx, retDir); cerr != nil {
			return nil, "", false, cerr
		}
		retDir, err = OpenRoot(ctx, mgr)
		if err != nil {
			return nil, "", false, err
		}
		if name == "" {
			return retDir, ".", true, nil
		}
	}

	parts := splitPath(name)
	if len(parts) == 0 {
		Close(ctx, retDir)
		return nil, "", false, ferrors.ErrNotFound
	}

	for _, part := range parts[:len(parts)-1] {
		e, _, found, lerr := lookupShallow(ctx, retDir, part)
		if lerr != nil {
			Close(ctx, retDir)
			return nil, "", false, lerr
		}
		if !found {
			Close(ctx, retDir)
			return nil, "", false, ferrors.ErrNotFound
		}

		child, oerr := mgr.Open(ctx, e.InodeSector)
		if oerr != nil {
			Close(ctx, retDir)
			return nil, "", false, oerr
		}
		isDir, ierr := child.IsDir(ctx)
		if ierr != nil {
			mgr.Close(ctx, child)
			Close(ctx, retDir)
			return nil, "", false, ierr
		}
		if !isDir {
			mgr.Close(ctx, child)
			Close(ctx, retDir)
			return nil, "", false, ferrors.ErrNotADirectory
		}

		next := Open(child, mgr)
		if cerr := Close(ctx, retDir); cerr != nil {
			Close(ctx, next)
			return nil, "", false, cerr
		}
		retDir = next
	}

	return retDir, parts[len(parts)-1], false, nil
}

// lookup resolves name against dir and returns its directory entry, the
// containing directory (which the caller must Close) and its byte offset
// within that directory (spec.md §4.3.1, pintos lookup).
func lookup(ctx context.Context, mgr *inode.Manager, dir *Dir, name string) (e diskfmt.DirEntry, containing *Dir, ofs int64, found bool, err error) {
	resolved, last, selfRef, err := nameResolution(ctx, mgr, dir, name)
	if err != nil {
		return diskfmt.DirEntry{}, nil, 0, false, err
	}

	if selfRef {
		e = diskfmt.NewDirEntry(resolved.in.Sector(), ".", true)
		return e, resolved, -1, true, nil
	}

	e, ofs, found, err = lookupShallow(ctx, resolved, last)
	if err != nil {
		Close(ctx, resolved)
		return diskfmt.DirEntry{}, nil, 0, false, err
	}
	return e, resolved, ofs, found, nil
}

// Lookup searches dir for name, descending through intermediate path
// components, and returns the inode it names (spec.md §4.3.1, pintos
// dir_lookup). The caller owns the returned inode and must close it
// through the same Manager.
func Lookup(ctx context.Context, mgr *inode.Manager, dir *Dir, name string) (*inode.Inode, error) {
	e, containing, _, found, err := lookup(ctx, mgr, dir, name)
	if err != nil {
		return nil, err
	}
	defer Close(ctx, containing)

	if !found {
		return nil, ferrors.ErrNotFound
	}
	return mgr.Open(ctx, e.InodeSector)
}

// LookupChild resolves name as a single entry of dir, without walking any
// path components. This is what a FUSE-style binding needs: its operations
// are already handed a parent directory and a bare child name, unlike the
// path strings SYS_OPEN and friends resolve through Lookup.
func LookupChild(ctx context.Context, mgr *inode.Manager, dir *Dir, name string) (*inode.Inode, error) {
	e, _, found, err := lookupShallow(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ferrors.ErrNotFound
	}
	return mgr.Open(ctx, e.InodeSector)
}
