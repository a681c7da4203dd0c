// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

//go:build windows

package tier

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmapFile(f *os.File, size int64, ro bool) ([]byte, error) {
	protect := uint32(windows.PAGE_READWRITE)
	access := uint32(windows.FILE_MAP_WRITE)
	if ro {
		protect = windows.PAGE_READONLY
		access = windows.FILE_MAP_READ
	}
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, protect, uint32(size>>32), uint32(size), nil)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)
	addr, err := windows.MapViewOfFile(h, access, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

func munmapFile(f *os.File, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&buf[0])))
}

func resizeFile(f *os.File, size int64) error {
	return f.Truncate(size)
}

// closeMapFD is a no-op on Windows: MapViewOfFile's view is only valid
// while the file mapping handle's underlying file descriptor remains
// open, so the fd must be kept alive for the lifetime of the mapping.
func closeMapFD(f *os.File) *os.File {
	return f
}
