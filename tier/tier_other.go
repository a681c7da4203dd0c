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

//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !solaris && !aix && !dragonfly && !windows

package tier

import "os"

// mmapFile/munmapFile fall back to a plain read/write-through buffer on
// platforms with no mapping primitive in golang.org/x/sys: the Map tier
// degrades to behaving like Disk plus an in-memory shadow that is
// flushed back to the file on unmap.
func mmapFile(f *os.File, size int64, ro bool) ([]byte, error) {
	buf := make([]byte, size)
	f.ReadAt(buf, 0)
	return buf, nil
}

func munmapFile(f *os.File, buf []byte) error {
	_, err := f.WriteAt(buf, 0)
	return err
}

func resizeFile(f *os.File, size int64) error {
	return f.Truncate(size)
}

// closeMapFD is a no-op here: the shadow buffer is only flushed back to
// the file in munmapFile, which needs the fd to still be open.
func closeMapFD(f *os.File) *os.File {
	return f
}
