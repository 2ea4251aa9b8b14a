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

package fs

import (
	"context"

	"github.com/AKINGcsq/pintosfs/directory"
	"github.com/AKINGcsq/pintosfs/inode"
)

// file is an open regular-file handle: a shared inode plus a position
// private to this handle, since two descriptors opened on the same inode
// read and write independently.
type file struct {
	mgr *inode.Manager
	in  *inode.Inode
	pos int64
}

func (fl *file) read(ctx context.Context, dst []byte) (int64, error) {
	n, err := fl.in.ReadAt(ctx, dst, fl.pos)
	fl.pos += n
	return n, err
}

func (fl *file) write(ctx context.Context, src []byte) (int64, error) {
	n, err := fl.in.WriteAt(ctx, src, fl.pos)
	fl.pos += n
	return n, err
}

func (fl *file) seek(pos int64) {
	if pos < 0 {
		pos = 0
	}
	fl.pos = pos
}

func (fl *file) tell() int64 { return fl.pos }

func (fl *file) length(ctx context.Context) (int64, error) {
	return fl.in.Length(ctx)
}

func (fl *file) close(ctx context.Context) error {
	return fl.mgr.Close(ctx, fl.in)
}

// handle is one entry in a Session's descriptor table: either a regular
// file or a directory, mirroring pintos's struct file_info (isDir,
// ptr/dir_ptr).
type handle struct {
	isDir bool
	file  *file
	dir   *directory.Dir
}
