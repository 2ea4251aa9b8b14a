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

// Package device defines the block device contract consumed by the buffer
// cache (spec.md §6.1) and two reference implementations of it: an
// in-memory slab for tests, and a regular-file-backed device for anyone
// who wants to actually mount something.
//
// Neither implementation is part of the specified core; they exist only so
// the cache, inode and directory layers have something synchronous and
// sector-granular to drive.
package device

import "errors"

// ErrOutOfRange is returned when a sector number is not less than
// SectorCount().
var ErrOutOfRange = errors.New("device: sector out of range")

// Device is a flat, indexed array of fixed-size sectors, addressed by a
// 32-bit sector number. Implementations must be safe for concurrent use by
// multiple goroutines; the buffer cache is the only intended caller.
type Device interface {
	// SectorCount returns the number of addressable sectors.
	SectorCount() uint32

	// ReadSector copies exactly diskfmt.SectorBytes bytes from sector into
	// out, which must have that length.
	ReadSector(sector uint32, out []byte) error

	// WriteSector copies exactly diskfmt.SectorBytes bytes from in into
	// sector, which must have that length.
	WriteSector(sector uint32, in []byte) error

	// WriteCount returns the total number of completed WriteSector calls,
	// for tests that assert on write coalescing (spec.md §8 scenario 2).
	WriteCount() uint64
}
