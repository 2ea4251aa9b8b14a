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
	"sync"

	"github.com/AKINGcsq/pintosfs/directory"
	"github.com/AKINGcsq/pintosfs/ferrors"
	"github.com/AKINGcsq/pintosfs/inode"
	"github.com/jacobsa/reqtrace"
)

// Session is one client's view of a FileSystem: a current directory and a
// table of open descriptors, the Go analogue of pintos's per-thread
// current_dir and file_info list (userprog/syscall.c).
type Session struct {
	fs  *FileSystem
	mu  sync.Mutex
	cwd *directory.Dir // GUARDED_BY(mu)

	files  map[int]*handle // GUARDED_BY(mu)
	nextFd int             // GUARDED_BY(mu)
}

// Close releases the session's current directory and every open
// descriptor it still holds.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fd, h := range s.files {
		s.closeHandle(ctx, h)
		delete(s.files, fd)
	}
	return directory.Close(ctx, s.cwd)
}

func (s *Session) closeHandle(ctx context.Context, h *handle) error {
	if h.isDir {
		return directory.Close(ctx, h.dir)
	}
	return h.file.close(ctx)
}

// Create makes a new, empty regular file named name (spec.md §4.4,
// SYS_CREATE). It does not open it.
func (s *Session) Create(ctx context.Context, name string, initialSize int64) (err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.Create")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sector, ok := s.fs.freemap.Allocate(1)
	if !ok {
		return ferrors.ErrResourceExhausted
	}

	if err := inode.Create(ctx, s.fs.cache, s.fs.freemap, sector, initialSize, false); err != nil {
		s.fs.freemap.Release(sector, 1)
		return err
	}

	if err := directory.Add(ctx, s.fs.inodes, s.cwd, name, sector); err != nil {
		inode.Destroy(ctx, s.fs.cache, s.fs.freemap, sector)
		s.fs.freemap.Release(sector, 1)
		return err
	}

	return s.fs.saveFreeMap(ctx)
}

// Open opens name (SYS_OPEN) and returns a fresh descriptor, positioned at
// the start for a file or with a reset directory cursor for a directory.
func (s *Session) Open(ctx context.Context, name string) (fd int, err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.Open")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	in, lerr := directory.Lookup(ctx, s.fs.inodes, s.cwd, name)
	if lerr != nil {
		return -1, lerr
	}

	isDir, ierr := in.IsDir(ctx)
	if ierr != nil {
		s.fs.inodes.Close(ctx, in)
		return -1, ierr
	}

	h := &handle{isDir: isDir}
	if isDir {
		h.dir = directory.Open(in, s.fs.inodes)
	} else {
		h.file = &file{mgr: s.fs.inodes, in: in}
	}

	fd = s.nextFd
	s.nextFd++
	s.files[fd] = h
	return fd, nil
}

func (s *Session) lookupHandle(fd int) (*handle, error) {
	h, ok := s.files[fd]
	if !ok {
		return nil, ferrors.ErrNotFound
	}
	return h, nil
}

// CloseFd closes fd (SYS_CLOSE).
func (s *Session) CloseFd(ctx context.Context, fd int) (err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.CloseFd")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, lerr := s.lookupHandle(fd)
	if lerr != nil {
		return lerr
	}
	delete(s.files, fd)
	return s.closeHandle(ctx, h)
}

// Read reads into dst from fd's current position, advancing it (SYS_READ).
// Directories cannot be read this way; use Readdir.
func (s *Session) Read(ctx context.Context, fd int, dst []byte) (n int64, err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.Read")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, lerr := s.lookupHandle(fd)
	if lerr != nil {
		return 0, lerr
	}
	if h.isDir {
		return 0, ferrors.ErrNotADirectory
	}
	return h.file.read(ctx, dst)
}

// Write writes src at fd's current position, extending the file as needed
// and advancing the position (SYS_WRITE).
func (s *Session) Write(ctx context.Context, fd int, src []byte) (n int64, err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.Write")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, lerr := s.lookupHandle(fd)
	if lerr != nil {
		return 0, lerr
	}
	if h.isDir {
		return 0, ferrors.ErrNotADirectory
	}
	return h.file.write(ctx, src)
}

// Seek repositions fd (SYS_SEEK). Per the corrected dispatcher check (the
// original compared info != NULL || info->isDir, which dereferences a nil
// info whenever the descriptor is unknown instead of short-circuiting),
// this is a silent no-op for a directory descriptor and for an unknown fd,
// rather than a crash.
func (s *Session) Seek(ctx context.Context, fd int, pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.files[fd]
	if !ok || h.isDir {
		return nil
	}
	h.file.seek(pos)
	return nil
}

// Tell returns fd's current position (SYS_TELL).
func (s *Session) Tell(ctx context.Context, fd int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookupHandle(fd)
	if err != nil {
		return 0, err
	}
	if h.isDir {
		return 0, ferrors.ErrNotADirectory
	}
	return h.file.tell(), nil
}

// Filesize returns fd's current length in bytes (SYS_FILESIZE).
func (s *Session) Filesize(ctx context.Context, fd int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookupHandle(fd)
	if err != nil {
		return 0, err
	}
	if h.isDir {
		return 0, ferrors.ErrNotADirectory
	}
	return h.file.length(ctx)
}

// Remove unlinks name (SYS_REMOVE); see directory.Remove for the exact
// semantics around open handles and non-empty directories.
func (s *Session) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return directory.Remove(ctx, s.fs.inodes, s.cwd, name)
}

// Inumber returns fd's inode number (SYS_INUMBER).
func (s *Session) Inumber(ctx context.Context, fd int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookupHandle(fd)
	if err != nil {
		return 0, err
	}
	if h.isDir {
		return h.dir.Inode().Sector(), nil
	}
	return h.file.in.Sector(), nil
}

// Isdir reports whether fd denotes a directory (SYS_ISDIR).
func (s *Session) Isdir(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.files[fd]
	return ok && h.isDir
}

// Readdir returns the next entry of directory descriptor fd (SYS_READDIR).
func (s *Session) Readdir(ctx context.Context, fd int) (name string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, lerr := s.lookupHandle(fd)
	if lerr != nil {
		return "", false, lerr
	}
	if !h.isDir {
		return "", false, nil
	}
	return directory.Readdir(ctx, h.dir)
}

// Mkdir creates an empty subdirectory named name, linked back to the
// directory that contains it via a ".." entry and to itself via a "." entry
// (spec.md §4.4, SYS_MKDIR / pintos's inline mkdir handler).
func (s *Session) Mkdir(ctx context.Context, name string) (err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.Mkdir")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sector, ok := s.fs.freemap.Allocate(1)
	if !ok {
		return ferrors.ErrResourceExhausted
	}

	if err := inode.Create(ctx, s.fs.cache, s.fs.freemap, sector, 0, true); err != nil {
		s.fs.freemap.Release(sector, 1)
		return err
	}
	if err := directory.Add(ctx, s.fs.inodes, s.cwd, name, sector); err != nil {
		inode.Destroy(ctx, s.fs.cache, s.fs.freemap, sector)
		s.fs.freemap.Release(sector, 1)
		return err
	}
	if err := s.fs.saveFreeMap(ctx); err != nil {
		return err
	}

	// From here on, the entry is visible in s.cwd; if the "." or ".."
	// bootstrap below fails, unwind by removing it again rather than
	// leaving a directory entry with no working internal structure.
	child, err := s.fs.inodes.Open(ctx, sector)
	if err != nil {
		directory.Remove(ctx, s.fs.inodes, s.cwd, name)
		s.fs.saveFreeMap(ctx)
		return err
	}
	childDir := directory.Open(child, s.fs.inodes)

	if err := directory.Add(ctx, s.fs.inodes, childDir, ".", sector); err != nil {
		directory.Close(ctx, childDir)
		directory.Remove(ctx, s.fs.inodes, s.cwd, name)
		s.fs.saveFreeMap(ctx)
		return err
	}
	if err := directory.AddParent(ctx, s.fs.inodes, childDir, s.cwd, name); err != nil {
		directory.Close(ctx, childDir)
		directory.Remove(ctx, s.fs.inodes, s.cwd, name)
		s.fs.saveFreeMap(ctx)
		return err
	}
	return directory.Close(ctx, childDir)
}

// Chdir changes the session's current directory (SYS_CHDIR).
func (s *Session) Chdir(ctx context.Context, name string) (err error) {
	_, report := reqtrace.StartSpan(ctx, "fs.Session.Chdir")
	defer func() { report(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	in, lerr := directory.Lookup(ctx, s.fs.inodes, s.cwd, name)
	if lerr != nil {
		return lerr
	}
	isDir, ierr := in.IsDir(ctx)
	if ierr != nil {
		s.fs.inodes.Close(ctx, in)
		return ierr
	}
	if !isDir {
		s.fs.inodes.Close(ctx, in)
		return ferrors.ErrNotADirectory
	}

	old := s.cwd
	s.cwd = directory.Open(in, s.fs.inodes)
	return directory.Close(ctx, old)
}

// HitRate, MissRate, ResetCache and WriteCount delegate to the shared
// FileSystem (spec.md §6.1): they are device-wide counters, not
// per-session.
func (s *Session) HitRate() float64   { return s.fs.HitRate() }
func (s *Session) MissRate() float64  { return s.fs.MissRate() }
func (s *Session) ResetCache()        { s.fs.ResetCache() }
func (s *Session) WriteCount() uint64 { return s.fs.WriteCount() }
