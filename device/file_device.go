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

package device

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/AKINGcsq/pintosfs/diskfmt"
	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// FileDevice is a block device backed by a regular file. The file is
// preallocated to its full sector-addressed size at creation, so sector
// writes never silently grow a sparse file, and it is flock'd for the
// lifetime of the open so two processes never drive the same backing file
// at once (the same reason jacobsa/fuse's flock_linux.go flocks a mount
// point before serving it).
type FileDevice struct {
	f           *os.File
	sectorCount uint32
	writeCnt    uint64
}

var _ Device = (*FileDevice)(nil)

// CreateFileDevice creates (or truncates) path and preallocates it to hold
// sectorCount sectors.
func CreateFileDevice(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: create %s: %w", path, err)
	}

	size := int64(sectorCount) * diskfmt.SectorBytes
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: fallocate %s: %w", path, err)
	}

	return openFileDevice(f, sectorCount)
}

// OpenFileDevice opens an existing backing file of the given sector count.
func OpenFileDevice(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return openFileDevice(f, sectorCount)
}

func openFileDevice(f *os.File, sectorCount uint32) (*FileDevice, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: flock %s: already in use: %w", f.Name(), err)
	}

	return &FileDevice{
		f:           f,
		sectorCount: sectorCount,
	}, nil
}

// Close releases the backing file's advisory lock and closes it.
func (d *FileDevice) Close() error {
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	return d.f.Close()
}

func (d *FileDevice) SectorCount() uint32 {
	return d.sectorCount
}

func (d *FileDevice) ReadSector(sector uint32, out []byte) error {
	if sector >= d.sectorCount {
		return ErrOutOfRange
	}
	off := int64(sector) * diskfmt.SectorBytes
	n, err := unix.Pread(int(d.f.Fd()), out, off)
	if err != nil {
		return fmt.Errorf("device: pread sector %d: %w", sector, err)
	}
	if n != len(out) {
		return fmt.Errorf("device: short pread sector %d: got %d want %d", sector, n, len(out))
	}
	return nil
}

func (d *FileDevice) WriteSector(sector uint32, in []byte) error {
	if sector >= d.sectorCount {
		return ErrOutOfRange
	}
	off := int64(sector) * diskfmt.SectorBytes
	n, err := unix.Pwrite(int(d.f.Fd()), in, off)
	if err != nil {
		return fmt.Errorf("device: pwrite sector %d: %w", sector, err)
	}
	if n != len(in) {
		return fmt.Errorf("device: short pwrite sector %d: got %d want %d", sector, n, len(in))
	}
	atomic.AddUint64(&d.writeCnt, 1)
	return nil
}

func (d *FileDevice) WriteCount() uint64 {
	return atomic.LoadUint64(&d.writeCnt)
}
