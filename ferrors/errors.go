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

// Package ferrors holds the sentinel errors shared by the inode, directory
// and fs layers, the way jacobsa/fuse's errors.go holds one flat set of
// sentinels (ENOENT, EIO, ...) for every layer above the kernel protocol.
package ferrors

import "errors"

var (
	// ErrNotFound means a name did not resolve to any directory entry.
	ErrNotFound = errors.New("ferrors: not found")

	// ErrNotADirectory means a path component that was expected to be a
	// directory was a plain file, or vice versa.
	ErrNotADirectory = errors.New("ferrors: not a directory")

	// ErrNameInvalid means a path component was empty or longer than
	// diskfmt.NameMax.
	ErrNameInvalid = errors.New("ferrors: invalid name")

	// ErrResourceExhausted means the free map had no room to satisfy an
	// allocation, or a SetLength would grow a file past diskfmt.MaxFileSize.
	// A WriteAt past diskfmt.MaxFileSize is not an error: it writes 0 bytes.
	ErrResourceExhausted = errors.New("ferrors: resource exhausted")

	// ErrBusy means an operation refused to proceed because the target is
	// in use in a way that conflicts with it (e.g. removing a non-empty
	// directory, or one that is a process's current directory).
	ErrBusy = errors.New("ferrors: busy")

	// ErrDenied means a name already exists where a fresh entry was
	// requested, or an add or remove targeted the root directory itself. A
	// write against an inode with a positive deny-write count is not an
	// error: it writes 0 bytes.
	ErrDenied = errors.New("ferrors: denied")
)
